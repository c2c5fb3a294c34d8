package humanize

import (
	"math/rand"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"entities", "he said &quot;hi&quot; — ok", `he said "hi" - ok`},
		{"nickname tag", "<nick: Anna> hello", " hello"},
		{"cyrillic nickname tag", "<ник:Аня>привет", "привет"},
		{"timestamp at line start", "[2024-05-01 10:11:12] hi\n[2024-05-01 10:11:13] there", "hi\nthere"},
		{"id tag", "hello (ID: 12345) world", "hello world"},
		{"uid tag", "hey(UID:7)you", "hey you"},
		{"trailing period removed", "see you.", "see you"},
		{"ellipsis kept", "well...", "well..."},
		{"period before emoji removed", "fine. 🙂", "fine 🙂"},
		{"inner period kept", "a. b", "a. b"},
		{"long char run", strings.Repeat("a", 50), strings.Repeat("a", 25)},
		{"char run at limit kept", strings.Repeat("a", 45), strings.Repeat("a", 45)},
		{"same emoji run", strings.Repeat("😂", 8), strings.Repeat("😂", 5)},
		{"same emoji run of five kept", strings.Repeat("😂", 5), strings.Repeat("😂", 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNormalizeMixedEmojiRun(t *testing.T) {
	set := []string{"😀", "😃", "😄", "😁", "😆"}
	var in strings.Builder
	for i := 0; i < 16; i++ {
		in.WriteString(set[i%len(set)])
	}
	got := Normalize("wow " + in.String())
	if n := len(clusters(strings.TrimPrefix(got, "wow "))); n != 14 {
		t.Errorf("expected 14 emoji, got %d in %q", n, got)
	}
}

func TestNormalizeZWJSequenceIsOneEmoji(t *testing.T) {
	family := "👨‍👩‍👧"
	if !IsEmoji(family) {
		t.Fatalf("expected %q to be a single emoji", family)
	}
	got := Normalize(strings.Repeat(family, 7))
	if got != strings.Repeat(family, 5) {
		t.Errorf("expected 5 family emoji, got %q", got)
	}
}

func TestHumanizeZeroIsNoOp(t *testing.T) {
	inputs := []string{
		"Hello there. How are you?",
		"Привет. Как дела? Всё хорошо.",
		"numbers 12345 and symbols !?",
		"",
	}
	for _, in := range inputs {
		want := Normalize(in)
		for run := 0; run < 20; run++ {
			rng := rand.New(rand.NewSource(int64(run)))
			if got := Humanize(in, Probabilities{}, rng); got != want {
				t.Fatalf("run %d: expected %q, got %q", run, want, got)
			}
		}
	}
}

func TestPerturbAlwaysLowercasesAfterStop(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := Perturb("One. Two. Three", Probabilities{LowercaseAfterPeriod: 1}, rng)
	if got != "One. two. three" {
		t.Errorf("expected lowercased sentences, got %q", got)
	}
}

func TestPerturbSkipEverything(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := Perturb("ab 12 !", Probabilities{Skip: 1}, rng)
	if got != "  !" {
		t.Errorf("expected only non-alphanumerics, got %q", got)
	}
}

func TestPerturbTransposeSameScriptOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := Perturb("aб", Probabilities{Transposition: 1}, rng)
	if got != "aб" {
		t.Errorf("expected mixed-script pair untouched, got %q", got)
	}
	got = Perturb("ab", Probabilities{Transposition: 1}, rng)
	if got != "ba" {
		t.Errorf("expected swap, got %q", got)
	}
	got = Perturb("12", Probabilities{Transposition: 1}, rng)
	if got != "21" {
		t.Errorf("expected digit swap, got %q", got)
	}
}

func TestPerturbSubstitutionKeepsScript(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	in := "The quick brown fox Съешь же ещё этих мягких булок"
	got := []rune(Perturb(in, Probabilities{Substitution: 1}, rng))
	orig := []rune(in)
	if len(got) != len(orig) {
		t.Fatalf("expected same length, got %d vs %d", len(got), len(orig))
	}
	for i := range orig {
		if scriptOf(orig[i]) != scriptOf(got[i]) {
			t.Errorf("position %d: %q became %q across scripts", i, orig[i], got[i])
		}
		if orig[i] == ' ' && got[i] != ' ' {
			t.Errorf("position %d: space was substituted", i)
		}
	}
}

func TestNeighboursAreSameScript(t *testing.T) {
	for r, adj := range neighbours {
		if len(adj) == 0 {
			t.Errorf("expected neighbours for %q", r)
		}
		for _, n := range adj {
			if scriptOf(n) != scriptOf(r) {
				t.Errorf("neighbour %q of %q crosses scripts", n, r)
			}
		}
	}
}
