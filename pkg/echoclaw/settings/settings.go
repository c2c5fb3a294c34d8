// Package settings resolves the effective configuration of a chat/persona
// pair. Values are layered: global defaults, then the persona's default
// advanced settings, then the chat-specific overrides for that persona.
// The result is always a fully populated Settings value.
package settings

import (
	"math/rand"
	"time"
)

// Range is a closed interval used for randomized delays.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pick returns a uniformly distributed duration in [Min, Max].
// A Max below Min collapses the range to Min.
func (r Range) Pick(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min || rng == nil {
		return r.Min
	}
	return r.Min + time.Duration(rng.Int63n(int64(r.Max-r.Min)+1))
}

// Typos holds the humanizer probabilities, each in [0,1].
type Typos struct {
	Substitution         float64
	Transposition        float64
	Skip                 float64
	LowercaseAfterPeriod float64
}

// Settings is the effective configuration for one chat at one instant.
type Settings struct {
	ModelName          string
	Temperature        float64
	MaxOutputTokens    int
	NumMessagesToFetch int
	MaxMessageLength   int

	AddChatNamePrefix bool
	CanSeePhotos      bool
	CanSeeVideos      bool
	CanSeeAudio       bool
	CanSeeFiles       bool
	EnableStickers    bool
	EnableReactions   bool

	CheckInterval  time.Duration
	InitialWait    time.Duration
	NoReplyTimeout time.Duration
	NoReplySuffix  string

	StickerChoosingDelay Range
	TypingDelayPerChar   Range
	ThinkingDelay        Range
	ReactionDelay        Range
	MaxTypingDuration    time.Duration

	NoPersonaBackoff  time.Duration
	GenerationBackoff time.Duration
	FaultBackoff      time.Duration
	FetchBackoff      time.Duration
	HistoryBackoff    time.Duration

	Typos Typos
}

// DefaultNoReplySuffix is appended to the system instructions when the
// counterpart has been silent for longer than the no-reply timeout.
const DefaultNoReplySuffix = "The other person has not replied to your last message for a while. " +
	"Write a short, natural follow-up in character, as if reminding them you are still here. " +
	"Do not mention that you are waiting for a reply."

// Defaults returns the hard-coded global defaults. Every key known to the
// resolver has a value here.
func Defaults() Settings {
	return Settings{
		ModelName:          "gpt-4o-mini",
		Temperature:        1.0,
		MaxOutputTokens:    2048,
		NumMessagesToFetch: 65,
		MaxMessageLength:   4096,

		AddChatNamePrefix: true,
		CanSeePhotos:      true,
		CanSeeVideos:      true,
		CanSeeAudio:       true,
		CanSeeFiles:       true,
		EnableStickers:    true,
		EnableReactions:   true,

		CheckInterval:  3500 * time.Millisecond,
		InitialWait:    6 * time.Second,
		NoReplyTimeout: 4 * time.Minute,
		NoReplySuffix:  DefaultNoReplySuffix,

		StickerChoosingDelay: Range{Min: 2 * time.Second, Max: 5500 * time.Millisecond},
		TypingDelayPerChar:   Range{Min: 40 * time.Millisecond, Max: 90 * time.Millisecond},
		ThinkingDelay:        Range{Min: 1200 * time.Millisecond, Max: 2800 * time.Millisecond},
		ReactionDelay:        Range{Min: 400 * time.Millisecond, Max: time.Second},
		MaxTypingDuration:    25 * time.Second,

		NoPersonaBackoff:  60 * time.Second,
		GenerationBackoff: 20 * time.Second,
		FaultBackoff:      60 * time.Second,
		FetchBackoff:      30 * time.Second,
		HistoryBackoff:    15 * time.Second,

		Typos: Typos{
			Substitution:         0.005,
			Transposition:        0.005,
			Skip:                 0.002,
			LowercaseAfterPeriod: 0.01,
		},
	}
}

