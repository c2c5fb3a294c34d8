package compose

import (
	"errors"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rivo/uniseg"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/humanize"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
)

// ErrNothingToSend is returned when the utterance holds neither text nor
// reactions. It is a no-op outcome, not a failure.
var ErrNothingToSend = errors.New("compose: nothing to send")

// SplitMarker separates consecutive messages in one utterance.
const SplitMarker = "{split}"

// DefaultReactions is the reaction allow-list accepted by the messaging
// platforms.
var DefaultReactions = []string{
	"👍", "👎", "❤", "🔥", "🥰", "👏", "😁", "🤔", "🤯", "😱", "🤬", "😢",
	"🎉", "🤩", "🤮", "💩", "🙏", "👌", "🕊", "🤡", "🥱", "🥴", "😍", "🐳",
	"❤‍🔥", "🌚", "🌭", "💯", "🤣", "⚡", "🍌", "🏆", "💔", "🤨", "😐", "🍓",
	"🍾", "💋", "😈", "😴", "😭", "🤓", "👻", "👨‍💻", "👀", "🎃", "🙈", "😇",
	"😨", "🤝", "✍", "🤗", "🫡", "🎅", "🎄", "☃", "💅", "🤪", "🗿", "🆒",
	"💘", "🙉", "🦄", "😘", "💊", "🙊", "😎", "👾", "🤷", "😡",
}

var (
	reactRe   = regexp.MustCompile(`(?i)react\s*\(\s*(\d+)\s*\)`)
	stickerRe = regexp.MustCompile(`(?i)sticker\s*\(\s*([\w-]+)\s*\)`)
	answerRe  = regexp.MustCompile(`(?i)answer\s*\(\s*(\d+)\s*\)`)
)

// Composer parses generated text into send actions. It is safe for
// concurrent use.
type Composer struct {
	allowed   []string
	canonical map[string]string

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a composer. A nil allow-list selects DefaultReactions and a
// nil rng is seeded from the clock.
func New(allowed []string, rng *rand.Rand) *Composer {
	if len(allowed) == 0 {
		allowed = DefaultReactions
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c := &Composer{
		allowed:   allowed,
		canonical: make(map[string]string, len(allowed)),
		rng:       rng,
	}
	for _, e := range allowed {
		c.canonical[canonicalEmoji(e)] = e
	}
	return c
}

// Compose turns raw into ordered actions. stickers lists the sticker
// codenames enabled for the persona; it drives the bare-codename pre-pass.
func (c *Composer) Compose(raw string, s settings.Settings, stickers []string) ([]Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	text := wrapBareStickers(raw, stickers)

	reactions, text := c.extractReactions(text)
	if !s.EnableReactions {
		reactions = nil
	}

	if strings.TrimSpace(strings.ReplaceAll(text, SplitMarker, "")) == "" && len(reactions) == 0 {
		return nil, ErrNothingToSend
	}

	actions := append([]Action(nil), reactions...)
	probs := humanize.Probabilities{
		Substitution:         s.Typos.Substitution,
		Transposition:        s.Typos.Transposition,
		Skip:                 s.Typos.Skip,
		LowercaseAfterPeriod: s.Typos.LowercaseAfterPeriod,
	}

	for _, segment := range strings.Split(text, SplitMarker) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		for _, a := range sliceStickers(segment) {
			switch a.Kind {
			case KindSticker:
				if s.EnableStickers {
					actions = append(actions, a)
				}
			case KindText:
				actions = append(actions, c.textActions(a.Text, s.MaxMessageLength, probs)...)
			}
		}
	}

	if len(actions) == 0 {
		return nil, ErrNothingToSend
	}
	return actions, nil
}

// textActions resolves answer(id), chunks and humanizes one text piece.
func (c *Composer) textActions(text string, limit int, probs humanize.Probabilities) []Action {
	var replyTo int64
	if m := answerRe.FindStringSubmatch(text); m != nil {
		replyTo, _ = strconv.ParseInt(m[1], 10, 64)
	}
	text = strings.TrimSpace(answerRe.ReplaceAllString(text, ""))
	if text == "" {
		return nil
	}

	var out []Action
	for _, chunk := range Split(text, limit) {
		chunk = strings.TrimSpace(humanize.Humanize(chunk, probs, c.rng))
		if chunk == "" {
			continue
		}
		out = append(out, Reply(chunk, replyTo))
		replyTo = 0
	}
	return out
}

// extractReactions removes every react(id)[emoji] or react(id)emoji
// command and returns them as actions in match order.
func (c *Composer) extractReactions(text string) ([]Action, string) {
	matches := reactRe.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return nil, text
	}

	var (
		actions []Action
		b       strings.Builder
		last    int
	)
	for _, m := range matches {
		if m[0] < last {
			continue
		}
		id, err := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
		end := m[1]
		emoji, consumed := readReactionEmoji(text[end:])
		end += consumed

		b.WriteString(text[last:m[0]])
		last = end
		if err != nil {
			continue
		}
		actions = append(actions, Reaction(id, c.validEmoji(emoji)))
	}
	b.WriteString(text[last:])
	return actions, b.String()
}

// readReactionEmoji reads "[emoji]" or a directly following emoji grapheme
// and returns it with the number of bytes consumed.
func readReactionEmoji(rest string) (string, int) {
	trimmed := strings.TrimLeft(rest, " \t")
	skipped := len(rest) - len(trimmed)
	if strings.HasPrefix(trimmed, "[") {
		if end := strings.IndexAny(trimmed, "]\n"); end > 0 && trimmed[end] == ']' {
			return strings.TrimSpace(trimmed[1:end]), skipped + end + 1
		}
		return "", 0
	}
	cluster, _, _, _ := uniseg.FirstGraphemeClusterInString(trimmed, -1)
	if cluster != "" && humanize.IsEmoji(cluster) {
		return cluster, skipped + len(cluster)
	}
	return "", 0
}

func (c *Composer) validEmoji(e string) string {
	if allowed, ok := c.canonical[canonicalEmoji(e)]; ok && e != "" {
		return allowed
	}
	return c.allowed[c.rng.Intn(len(c.allowed))]
}

// canonicalEmoji drops variation selectors so "❤️" matches "❤".
func canonicalEmoji(e string) string {
	return strings.ReplaceAll(strings.TrimSpace(e), "\uFE0F", "")
}

// sliceStickers cuts a segment into alternating text and sticker actions.
func sliceStickers(segment string) []Action {
	matches := stickerRe.FindAllStringSubmatchIndex(segment, -1)
	if matches == nil {
		return []Action{Text(segment)}
	}
	var out []Action
	last := 0
	for _, m := range matches {
		if before := strings.TrimSpace(segment[last:m[0]]); before != "" {
			out = append(out, Text(before))
		}
		out = append(out, Sticker(segment[m[2]:m[3]]))
		last = m[1]
	}
	if after := strings.TrimSpace(segment[last:]); after != "" {
		out = append(out, Text(after))
	}
	return out
}

// wrapBareStickers rewrites standalone known codenames into sticker(name).
func wrapBareStickers(text string, codenames []string) string {
	if len(codenames) == 0 || text == "" {
		return text
	}
	names := append([]string(nil), codenames...)
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	for _, name := range names {
		if name == "" {
			continue
		}
		re := regexp.MustCompile(`(^|[\s{}])(` + regexp.QuoteMeta(name) + `)([\s{}.,!?;:]|$)`)
		for i := 0; i < 8; i++ {
			next := re.ReplaceAllString(text, "${1}sticker(${2})${3}")
			if next == text {
				break
			}
			text = next
		}
	}
	return text
}
