package settings

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Overrides is a partial settings bundle keyed by setting name, as stored
// for personas and chats. Numbers decoded from JSON arrive as float64.
type Overrides map[string]any

// Clone returns a shallow copy.
func (o Overrides) Clone() Overrides {
	out := make(Overrides, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
	kindFloat
	kindProbability
	kindSeconds
	kindMinutes
	kindMillis
)

type field struct {
	key  string
	kind kind
	ptr  func(*Settings) any
}

var fields = []field{
	{"model_name", kindString, func(s *Settings) any { return &s.ModelName }},
	{"temperature", kindFloat, func(s *Settings) any { return &s.Temperature }},
	{"max_output_tokens", kindInt, func(s *Settings) any { return &s.MaxOutputTokens }},
	{"num_messages_to_fetch", kindInt, func(s *Settings) any { return &s.NumMessagesToFetch }},
	{"max_message_length", kindInt, func(s *Settings) any { return &s.MaxMessageLength }},

	{"add_chat_name_prefix", kindBool, func(s *Settings) any { return &s.AddChatNamePrefix }},
	{"can_see_photos", kindBool, func(s *Settings) any { return &s.CanSeePhotos }},
	{"can_see_videos", kindBool, func(s *Settings) any { return &s.CanSeeVideos }},
	{"can_see_audio", kindBool, func(s *Settings) any { return &s.CanSeeAudio }},
	{"can_see_files_pdf", kindBool, func(s *Settings) any { return &s.CanSeeFiles }},
	{"enable_stickers", kindBool, func(s *Settings) any { return &s.EnableStickers }},
	{"enable_reactions", kindBool, func(s *Settings) any { return &s.EnableReactions }},

	{"auto_mode_check_interval", kindSeconds, func(s *Settings) any { return &s.CheckInterval }},
	{"auto_mode_initial_wait", kindSeconds, func(s *Settings) any { return &s.InitialWait }},
	{"auto_mode_no_reply_timeout", kindMinutes, func(s *Settings) any { return &s.NoReplyTimeout }},
	{"auto_mode_no_reply_suffix", kindString, func(s *Settings) any { return &s.NoReplySuffix }},

	{"sticker_choosing_delay_min", kindSeconds, func(s *Settings) any { return &s.StickerChoosingDelay.Min }},
	{"sticker_choosing_delay_max", kindSeconds, func(s *Settings) any { return &s.StickerChoosingDelay.Max }},
	{"typing_delay_ms_min", kindMillis, func(s *Settings) any { return &s.TypingDelayPerChar.Min }},
	{"typing_delay_ms_max", kindMillis, func(s *Settings) any { return &s.TypingDelayPerChar.Max }},
	{"base_thinking_delay_s_min", kindSeconds, func(s *Settings) any { return &s.ThinkingDelay.Min }},
	{"base_thinking_delay_s_max", kindSeconds, func(s *Settings) any { return &s.ThinkingDelay.Max }},
	{"reaction_delay_s_min", kindSeconds, func(s *Settings) any { return &s.ReactionDelay.Min }},
	{"reaction_delay_s_max", kindSeconds, func(s *Settings) any { return &s.ReactionDelay.Max }},
	{"max_typing_duration_s", kindSeconds, func(s *Settings) any { return &s.MaxTypingDuration }},

	{"no_persona_backoff_s", kindSeconds, func(s *Settings) any { return &s.NoPersonaBackoff }},
	{"generation_backoff_s", kindSeconds, func(s *Settings) any { return &s.GenerationBackoff }},
	{"fault_backoff_s", kindSeconds, func(s *Settings) any { return &s.FaultBackoff }},
	{"fetch_backoff_s", kindSeconds, func(s *Settings) any { return &s.FetchBackoff }},
	{"history_backoff_s", kindSeconds, func(s *Settings) any { return &s.HistoryBackoff }},

	{"typo_substitution", kindProbability, func(s *Settings) any { return &s.Typos.Substitution }},
	{"typo_transposition", kindProbability, func(s *Settings) any { return &s.Typos.Transposition }},
	{"typo_skip", kindProbability, func(s *Settings) any { return &s.Typos.Skip }},
	{"lowercase_after_period", kindProbability, func(s *Settings) any { return &s.Typos.LowercaseAfterPeriod }},
}

// minimums holds lower bounds, in the key's stored unit, for keys where
// zero would stall a worker or break chunking.
var minimums = map[string]float64{
	"num_messages_to_fetch":    1,
	"max_message_length":       1,
	"auto_mode_check_interval": 0.01,
}

// maxInt caps integer settings well below any platform's int overflow.
const maxInt = math.MaxInt32

var fieldIndex = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.key] = f
	}
	return m
}()

// Keys returns every known setting key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.key)
	}
	sort.Strings(keys)
	return keys
}

// Known reports whether key is a setting key.
func Known(key string) bool {
	_, ok := fieldIndex[key]
	return ok
}

// Apply overlays o onto s and returns the keys that were rejected
// (unknown key or a value of the wrong type).
func Apply(s *Settings, o Overrides) []string {
	var rejected []string
	for key, raw := range o {
		f, ok := fieldIndex[key]
		if !ok || !f.set(s, raw) {
			rejected = append(rejected, key)
		}
	}
	sort.Strings(rejected)
	return rejected
}

// Sanitize returns the subset of o that would be accepted by Apply,
// normalized to the canonical value types, plus the rejected keys.
func Sanitize(o Overrides) (Overrides, []string) {
	clean := make(Overrides, len(o))
	var rejected []string
	for key, raw := range o {
		f, ok := fieldIndex[key]
		if !ok {
			rejected = append(rejected, key)
			continue
		}
		var probe Settings
		if !f.set(&probe, raw) {
			rejected = append(rejected, key)
			continue
		}
		clean[key] = f.get(&probe)
	}
	sort.Strings(rejected)
	return clean, rejected
}

// Map returns the full settings as an Overrides bundle using the stored
// units (seconds, minutes, milliseconds).
func (s Settings) Map() Overrides {
	out := make(Overrides, len(fields))
	for _, f := range fields {
		out[f.key] = f.get(&s)
	}
	return out
}

func (f field) get(s *Settings) any {
	switch p := f.ptr(s).(type) {
	case *string:
		return *p
	case *int:
		return *p
	case *bool:
		return *p
	case *float64:
		return *p
	case *time.Duration:
		switch f.kind {
		case kindMinutes:
			return p.Minutes()
		case kindMillis:
			return float64(*p) / float64(time.Millisecond)
		default:
			return p.Seconds()
		}
	}
	return nil
}

func (f field) set(s *Settings, raw any) bool {
	switch p := f.ptr(s).(type) {
	case *string:
		v, ok := raw.(string)
		if !ok {
			return false
		}
		*p = v
	case *bool:
		v, ok := toBool(raw)
		if !ok {
			return false
		}
		*p = v
	case *int:
		v, ok := f.number(raw)
		if !ok || v != math.Trunc(v) || v > maxInt {
			return false
		}
		*p = int(v)
	case *float64:
		v, ok := f.number(raw)
		if !ok || (f.kind == kindProbability && v > 1) {
			return false
		}
		*p = v
	case *time.Duration:
		v, ok := f.number(raw)
		if !ok {
			return false
		}
		unit := time.Second
		switch f.kind {
		case kindMinutes:
			unit = time.Minute
		case kindMillis:
			unit = time.Millisecond
		}
		d := v * float64(unit)
		if d >= math.MaxInt64 {
			return false
		}
		*p = time.Duration(d)
	default:
		return false
	}
	return true
}

// number parses raw as a finite number no lower than the key's minimum
// (zero when none is set).
func (f field) number(raw any) (float64, bool) {
	v, ok := toFloat(raw)
	if !ok || v < minimums[f.key] {
		return 0, false
	}
	return v, true
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		f := float64(v)
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(v, ",", ".")), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func toBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "on", "yes", "1":
			return true, true
		case "false", "off", "no", "0":
			return false, true
		}
	}
	return false, false
}
