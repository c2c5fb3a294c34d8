package humanize

import "unicode"

// script identifies the alphabet a letter belongs to. Substitutions and
// transpositions never cross scripts.
type script int

const (
	scriptNone script = iota
	scriptLatin
	scriptCyrillic
	scriptDigit
)

var keyboardRows = map[script][]string{
	scriptLatin:    {"qwertyuiop", "asdfghjkl", "zxcvbnm"},
	scriptCyrillic: {"йцукенгшщзхъ", "фывапролджэ", "ячсмитьбю"},
}

// neighbours maps a lowercase letter to the letters physically adjacent to
// it on its own layout. Rows are staggered: the row below is shifted half a
// key to the right.
var neighbours = buildNeighbours()

func buildNeighbours() map[rune][]rune {
	out := make(map[rune][]rune)
	for _, rows := range keyboardRows {
		grid := make([][]rune, len(rows))
		for i, row := range rows {
			grid[i] = []rune(row)
		}
		for r, row := range grid {
			for i, ch := range row {
				var adj []rune
				add := func(rr, ii int) {
					if rr < 0 || rr >= len(grid) || ii < 0 || ii >= len(grid[rr]) {
						return
					}
					adj = append(adj, grid[rr][ii])
				}
				add(r, i-1)
				add(r, i+1)
				add(r-1, i)
				add(r-1, i+1)
				add(r+1, i-1)
				add(r+1, i)
				out[ch] = adj
			}
		}
	}
	out['ё'] = []rune{'е', 'н', 'к'}
	return out
}

func scriptOf(r rune) script {
	switch {
	case r >= '0' && r <= '9':
		return scriptDigit
	case unicode.Is(unicode.Latin, r) && unicode.IsLetter(r):
		return scriptLatin
	case unicode.Is(unicode.Cyrillic, r) && unicode.IsLetter(r):
		return scriptCyrillic
	}
	return scriptNone
}

// substitute returns a keyboard neighbour of r in the same script and case.
func substitute(r rune, pick func(n int) int) (rune, bool) {
	lower := unicode.ToLower(r)
	adj := neighbours[lower]
	if len(adj) == 0 {
		return r, false
	}
	out := adj[pick(len(adj))]
	if unicode.IsUpper(r) {
		out = unicode.ToUpper(out)
	}
	return out, true
}
