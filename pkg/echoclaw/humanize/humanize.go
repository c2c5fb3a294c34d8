// Package humanize cleans generated text of model bookkeeping and injects
// human-like typing noise: neighbour-key substitutions, swapped letters,
// dropped characters and a forgotten capital after a full stop.
package humanize

import (
	"math/rand"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rivo/uniseg"
)

// Probabilities are per-character trial probabilities in [0,1].
// A zero probability disables that transform entirely.
type Probabilities struct {
	Substitution         float64
	Transposition        float64
	Skip                 float64
	LowercaseAfterPeriod float64
}

// Zero reports whether every transform is disabled.
func (p Probabilities) Zero() bool {
	return p.Substitution <= 0 && p.Transposition <= 0 && p.Skip <= 0 && p.LowercaseAfterPeriod <= 0
}

const (
	maxCharRun    = 45
	charRunKeep   = 25
	maxSameEmoji  = 5
	emojiRunLimit = 15
	emojiRunKeep  = 14
)

var (
	nickTagRe   = regexp.MustCompile(`(?i)<\s*(?:ник|nick)\s*:.*?>`)
	stampRe     = regexp.MustCompile(`(?m)^\[\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}:\d{2}\]\s*`)
	idTagRe     = regexp.MustCompile(`(?i)\s*\(\s*U?ID\s*:\s*\d+\s*\)\s*`)
	entityFixer = strings.NewReplacer("&quot;", `"`, "—", "-")
)

// Normalize strips the id, timestamp and nickname tags the model sees in
// its context, clamps character and emoji floods, and drops a single
// trailing full stop.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	out := entityFixer.Replace(text)
	out = nickTagRe.ReplaceAllString(out, "")
	out = stampRe.ReplaceAllString(out, "")
	out = idTagRe.ReplaceAllString(out, " ")
	out = collapseCharRuns(out)
	out = clampEmoji(out)
	return dropTrailingPeriod(out)
}

// Humanize normalizes text and then perturbs it. rng may be nil.
func Humanize(text string, p Probabilities, rng *rand.Rand) string {
	return Perturb(Normalize(text), p, rng)
}

// Perturb applies the typo transforms to already normalized text.
func Perturb(text string, p Probabilities, rng *rand.Rand) string {
	if text == "" || p.Zero() {
		return text
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	chance := func(prob float64) bool {
		return prob > 0 && rng.Float64() < prob
	}

	chars := []rune(text)

	afterStop := false
	for i, r := range chars {
		switch {
		case r == '.':
			afterStop = true
		case unicode.IsSpace(r):
		case afterStop && unicode.IsUpper(r):
			if chance(p.LowercaseAfterPeriod) {
				chars[i] = unicode.ToLower(r)
			}
			afterStop = false
		default:
			afterStop = false
		}
	}

	out := make([]rune, 0, len(chars))
	for i := 0; i < len(chars); i++ {
		r := chars[i]
		if i+1 < len(chars) && swappable(r, chars[i+1]) && chance(p.Transposition) {
			out = append(out, chars[i+1], r)
			i++
			continue
		}
		if (unicode.IsLetter(r) || unicode.IsDigit(r)) && chance(p.Skip) {
			continue
		}
		if scriptOf(r) == scriptLatin || scriptOf(r) == scriptCyrillic {
			if chance(p.Substitution) {
				if sub, ok := substitute(r, rng.Intn); ok {
					out = append(out, sub)
					continue
				}
			}
		}
		out = append(out, r)
	}
	return string(out)
}

func swappable(a, b rune) bool {
	sa := scriptOf(a)
	return sa != scriptNone && sa == scriptOf(b)
}

func collapseCharRuns(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(runes); {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		n := j - i
		if n > maxCharRun {
			n = charRunKeep
		}
		for k := 0; k < n; k++ {
			b.WriteRune(runes[i])
		}
		i = j
	}
	return b.String()
}

type cluster struct {
	text  string
	emoji bool
}

func clusters(s string) []cluster {
	var out []cluster
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		c := g.Str()
		out = append(out, cluster{text: c, emoji: isEmoji(c)})
	}
	return out
}

func clampEmoji(s string) string {
	cs := clusters(s)

	same := make([]cluster, 0, len(cs))
	for i := 0; i < len(cs); {
		j := i
		for j < len(cs) && cs[j].emoji && cs[j].text == cs[i].text {
			j++
		}
		if j == i {
			same = append(same, cs[i])
			i++
			continue
		}
		n := j - i
		if n > maxSameEmoji {
			n = maxSameEmoji
		}
		same = append(same, cs[i:i+n]...)
		i = j
	}

	var b strings.Builder
	for i := 0; i < len(same); {
		if !same[i].emoji {
			b.WriteString(same[i].text)
			i++
			continue
		}
		j := i
		for j < len(same) && same[j].emoji {
			j++
		}
		end := j
		if j-i >= emojiRunLimit {
			end = i + emojiRunKeep
		}
		for _, c := range same[i:end] {
			b.WriteString(c.text)
		}
		i = j
	}
	return b.String()
}

func dropTrailingPeriod(s string) string {
	cs := clusters(s)
	for i := len(cs) - 1; i >= 0; i-- {
		c := cs[i]
		if c.emoji || strings.TrimSpace(c.text) == "" {
			continue
		}
		if c.text != "." || (i > 0 && cs[i-1].text == ".") {
			return s
		}
		var b strings.Builder
		for k, other := range cs {
			if k != i {
				b.WriteString(other.text)
			}
		}
		return b.String()
	}
	return s
}

// isEmoji reports whether a grapheme cluster renders as an emoji.
func isEmoji(c string) bool {
	if c == "" {
		return false
	}
	r := []rune(c)[0]
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2300 && r <= 0x23FF, r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0x3030 || r == 0x303D || r == 0x3297 || r == 0x3299:
		return true
	}
	return r >= 0x2000 && strings.ContainsRune(c, 0xFE0F)
}

// IsEmoji reports whether s is exactly one emoji grapheme.
func IsEmoji(s string) bool {
	cs := clusters(s)
	return len(cs) == 1 && cs[0].emoji
}
