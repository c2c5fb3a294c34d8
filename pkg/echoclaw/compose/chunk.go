package compose

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// Split breaks text into chunks of at most limit runes. Each cut is made at
// the latest paragraph break inside the window, else the latest line break,
// else the latest space, else at the last grapheme boundary within the
// limit. A single grapheme longer than limit is kept whole. Whitespace at
// the start of the remaining tail is dropped.
func Split(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	rest := []rune(text)
	var chunks []string
	for len(rest) > limit {
		window := string(rest[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = len([]rune(window[:i]))
				break
			}
		}
		if cut <= 0 {
			cut = graphemeCut(string(rest), limit)
		}
		chunks = append(chunks, string(rest[:cut]))
		rest = []rune(strings.TrimLeftFunc(string(rest[cut:]), unicode.IsSpace))
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

// graphemeCut returns the rune count of the longest run of whole grapheme
// clusters at the start of s that fits in limit runes, or the length of the
// first cluster when even that does not fit.
func graphemeCut(s string, limit int) int {
	cut, state := 0, -1
	for s != "" {
		cluster, next, _, st := uniseg.FirstGraphemeClusterInString(s, state)
		n := utf8.RuneCountInString(cluster)
		if cut+n > limit {
			if cut == 0 {
				return n
			}
			break
		}
		cut += n
		s, state = next, st
	}
	return cut
}
