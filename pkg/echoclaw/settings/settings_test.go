package settings

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

// bump returns a value of the same type as v that differs from it.
func bump(v any, step float64) any {
	switch x := v.(type) {
	case string:
		return x + "-changed"
	case bool:
		return !x
	case int:
		return x + int(step)
	case float64:
		return x + step/10
	}
	return v
}

func TestDefaultsCoverEveryKey(t *testing.T) {
	m := Defaults().Map()
	for _, key := range Keys() {
		if _, ok := m[key]; !ok {
			t.Errorf("expected default for %q", key)
		}
	}
	if len(m) != len(Keys()) {
		t.Errorf("expected %d keys, got %d", len(Keys()), len(m))
	}
}

func TestResolveLayering(t *testing.T) {
	defaults := Defaults().Map()

	for _, key := range Keys() {
		global := defaults[key]
		personaVal := bump(global, 1)
		chatVal := bump(personaVal, 2)
		if key == "typo_substitution" || key == "typo_transposition" || key == "typo_skip" || key == "lowercase_after_period" {
			personaVal = 0.25
			chatVal = 0.5
		}

		cases := []struct {
			name    string
			persona Overrides
			chat    Overrides
			want    any
		}{
			{"global only", nil, nil, global},
			{"persona wins over global", Overrides{key: personaVal}, nil, personaVal},
			{"chat wins over global", nil, Overrides{key: chatVal}, chatVal},
			{"chat wins over persona", Overrides{key: personaVal}, Overrides{key: chatVal}, chatVal},
		}
		for _, tc := range cases {
			t.Run(key+"/"+tc.name, func(t *testing.T) {
				got := layered(Defaults(), tc.persona, tc.chat).Map()
				if len(got) != len(defaults) {
					t.Fatalf("expected %d keys, got %d", len(defaults), len(got))
				}
				if !approxEqual(got[key], tc.want) {
					t.Errorf("expected %v, got %v", tc.want, got[key])
				}
			})
		}
	}
}

// layered applies the overrides on top of base in order, as the resolver
// does for the persona and chat layers.
func layered(base Settings, layers ...Overrides) Settings {
	for _, layer := range layers {
		Apply(&base, layer)
	}
	return base
}

func approxEqual(a, b any) bool {
	fa, okA := a.(float64)
	fb, okB := b.(float64)
	if okA && okB {
		d := fa - fb
		return d < 1e-6 && d > -1e-6
	}
	return a == b
}

func TestApplyRejectsBadValues(t *testing.T) {
	s := Defaults()
	rejected := Apply(&s, Overrides{
		"num_messages_to_fetch":  "many",
		"typo_skip":              1.5,
		"no_such_key":            true,
		"can_see_photos":         "off",
		"auto_mode_initial_wait": 0.0,
	})

	want := []string{"no_such_key", "num_messages_to_fetch", "typo_skip"}
	if len(rejected) != len(want) {
		t.Fatalf("expected rejected %v, got %v", want, rejected)
	}
	for i := range want {
		if rejected[i] != want[i] {
			t.Errorf("expected rejected %v, got %v", want, rejected)
		}
	}
	if s.NumMessagesToFetch != 65 {
		t.Errorf("expected layer below to win, got %d", s.NumMessagesToFetch)
	}
	if s.CanSeePhotos {
		t.Error("expected can_see_photos=off to apply")
	}
	if s.InitialWait != 0 {
		t.Errorf("expected zero initial wait, got %v", s.InitialWait)
	}
}

func TestApplyRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		key string
		raw any
	}{
		{"auto_mode_check_interval", 1e11},
		{"auto_mode_initial_wait", 1e12},
		{"auto_mode_no_reply_timeout", 1e12},
		{"typing_delay_ms_max", 1e20},
		{"max_message_length", 1e30},
		{"max_output_tokens", 1e10},
		{"max_message_length", 0.0},
		{"num_messages_to_fetch", 0.0},
		{"auto_mode_check_interval", 0.0},
		{"auto_mode_initial_wait", -1.0},
		{"temperature", -0.5},
		{"temperature", "NaN"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			s := Defaults()
			rejected := Apply(&s, Overrides{tt.key: tt.raw})
			if len(rejected) != 1 || rejected[0] != tt.key {
				t.Fatalf("expected %s=%v rejected, got %v", tt.key, tt.raw, rejected)
			}
			if s != Defaults() {
				t.Errorf("expected settings unchanged after rejecting %s=%v", tt.key, tt.raw)
			}
			if clean, rej := Sanitize(Overrides{tt.key: tt.raw}); len(clean) != 0 || len(rej) != 1 {
				t.Errorf("expected Sanitize to drop %s=%v, got %v", tt.key, tt.raw, clean)
			}
		})
	}

	s := Defaults()
	rejected := Apply(&s, Overrides{"max_message_length": 1, "num_messages_to_fetch": 1, "auto_mode_check_interval": 0.05})
	if len(rejected) != 0 {
		t.Fatalf("expected lower bounds accepted, got %v", rejected)
	}
	if s.MaxMessageLength != 1 || s.NumMessagesToFetch != 1 || s.CheckInterval != 50*time.Millisecond {
		t.Errorf("unexpected values %d %d %v", s.MaxMessageLength, s.NumMessagesToFetch, s.CheckInterval)
	}
}

func TestUnits(t *testing.T) {
	s := layered(Defaults(), Overrides{
		"auto_mode_no_reply_timeout": 2.5,
		"typing_delay_ms_min":        10.0,
		"auto_mode_check_interval":   "1,5",
	})
	if s.NoReplyTimeout != 150*time.Second {
		t.Errorf("expected 150s, got %v", s.NoReplyTimeout)
	}
	if s.TypingDelayPerChar.Min != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %v", s.TypingDelayPerChar.Min)
	}
	if s.CheckInterval != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", s.CheckInterval)
	}
}

func TestSanitize(t *testing.T) {
	clean, rejected := Sanitize(Overrides{"num_messages_to_fetch": "30", "bogus": 1})
	if clean["num_messages_to_fetch"] != 30 {
		t.Errorf("expected normalized int 30, got %#v", clean["num_messages_to_fetch"])
	}
	if len(rejected) != 1 || rejected[0] != "bogus" {
		t.Errorf("expected [bogus], got %v", rejected)
	}
}

func TestRangePick(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	r := Range{Min: time.Second, Max: 2 * time.Second}
	for i := 0; i < 100; i++ {
		d := r.Pick(rng)
		if d < r.Min || d > r.Max {
			t.Fatalf("expected value in range, got %v", d)
		}
	}
	inverted := Range{Min: 3 * time.Second, Max: time.Second}
	if got := inverted.Pick(rng); got != 3*time.Second {
		t.Errorf("expected min for inverted range, got %v", got)
	}
}

type fakeSource struct {
	binding  map[int64]string
	persona  map[string]Overrides
	chat     map[int64]Overrides
	failBind bool
}

func (f *fakeSource) BoundPersona(_ context.Context, chat int64) (string, error) {
	if f.failBind {
		return "", errors.New("db down")
	}
	return f.binding[chat], nil
}

func (f *fakeSource) PersonaDefaults(_ context.Context, id string) (Overrides, error) {
	return f.persona[id], nil
}

func (f *fakeSource) ChatOverrides(_ context.Context, chat int64, _ string) (Overrides, error) {
	return f.chat[chat], nil
}

func TestResolver(t *testing.T) {
	src := &fakeSource{
		binding: map[int64]string{1: "p1"},
		persona: map[string]Overrides{"p1": {"model_name": "persona-model", "num_messages_to_fetch": 10}},
		chat:    map[int64]Overrides{1: {"num_messages_to_fetch": 20}},
	}
	r := NewResolver(src, Overrides{"model_name": "global-model", "temperature": 0.5}, nil)

	t.Run("bound persona", func(t *testing.T) {
		s, id, err := r.Resolve(context.Background(), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "p1" {
			t.Errorf("expected p1, got %q", id)
		}
		if s.ModelName != "persona-model" || s.NumMessagesToFetch != 20 || s.Temperature != 0.5 {
			t.Errorf("unexpected layering: %+v", s)
		}
	})

	t.Run("no persona", func(t *testing.T) {
		s, id, err := r.Resolve(context.Background(), 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "" {
			t.Errorf("expected no persona, got %q", id)
		}
		if s.ModelName != "global-model" {
			t.Errorf("expected global-model, got %q", s.ModelName)
		}
	})

	t.Run("layers re-read every call", func(t *testing.T) {
		src.chat[1] = Overrides{"num_messages_to_fetch": 40}
		s, _, _ := r.Resolve(context.Background(), 1)
		if s.NumMessagesToFetch != 40 {
			t.Errorf("expected fresh value 40, got %d", s.NumMessagesToFetch)
		}
	})

	t.Run("source error", func(t *testing.T) {
		src.failBind = true
		defer func() { src.failBind = false }()
		if _, _, err := r.Resolve(context.Background(), 1); err == nil {
			t.Error("expected error")
		}
	})
}
