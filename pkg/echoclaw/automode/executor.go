package automode

import (
	"context"
	"errors"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

const (
	// minTyping is the shortest simulated typing time for a text.
	minTyping = 1500 * time.Millisecond

	// indicatorRefresh re-sends the activity hint before platforms expire it.
	indicatorRefresh = 4 * time.Second
)

type sleepFunc func(ctx context.Context, stop <-chan struct{}, d time.Duration) bool

// sleep waits for d. It returns false when ctx is done or stop is closed
// first; a nil stop never fires.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

// Result counts what happened to a batch of actions.
type Result struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Dropped int `json:"dropped"`
}

// Execute delivers actions in order with humanized pacing. A soft transport
// error skips one action, unless it hit the lead message (the first text or
// sticker), in which case the rest of the batch is dropped. A hard error
// aborts the batch and is returned. A stop request interrupts pacing and
// returns ErrInterrupted.
func (e *Engine) Execute(ctx context.Context, stop <-chan struct{}, chat int64,
	actions []compose.Action, s settings.Settings, rng *rand.Rand) (Result, error) {

	var res Result
	if rng == nil {
		rng = rand.New(rand.NewSource(e.seed()))
	}
	ind, _ := e.tr.(transport.Indicator)
	leadSeen := false

	for i, a := range actions {
		if !e.pace(ctx, stop, chat, i, actions, s, rng, ind) {
			res.Dropped += len(actions) - i
			metrics.Actions.WithLabelValues(a.Kind.String(), "dropped").Add(float64(len(actions) - i))
			return res, ErrInterrupted
		}

		lead := false
		if a.Kind != compose.KindReaction && !leadSeen {
			lead, leadSeen = true, true
		}

		err := e.perform(ctx, chat, a)
		switch {
		case err == nil:
			res.Sent++
			metrics.Actions.WithLabelValues(a.Kind.String(), "ok").Inc()

		case transport.IsSoft(err):
			res.Skipped++
			metrics.Actions.WithLabelValues(a.Kind.String(), "skipped").Inc()
			if lead {
				rest := len(actions) - i - 1
				res.Dropped += rest
				e.logger.Warn("automode: lead action skipped, dropping batch",
					"chat", chat, "action", a.String(), "dropped", rest, "error", err)
				return res, nil
			}
			e.logger.Info("automode: action skipped", "chat", chat, "action", a.String(), "error", err)

		default:
			metrics.Actions.WithLabelValues(a.Kind.String(), "failed").Inc()
			res.Dropped += len(actions) - i - 1
			e.logger.Error("automode: action failed, aborting batch",
				"chat", chat, "action", a.String(), "sent", res.Sent, "error", err)
			return res, err
		}
	}
	return res, nil
}

// pace waits before action i. Consecutive reactions get the short reaction
// pause, texts simulate typing, stickers simulate choosing, and any other
// pair gets a thinking pause.
func (e *Engine) pace(ctx context.Context, stop <-chan struct{}, chat int64, i int,
	actions []compose.Action, s settings.Settings, rng *rand.Rand, ind transport.Indicator) bool {

	a := actions[i]
	switch a.Kind {
	case compose.KindReaction:
		if i == 0 {
			return e.sleep(ctx, stop, 0)
		}
		if actions[i-1].Kind == compose.KindReaction {
			return e.sleep(ctx, stop, s.ReactionDelay.Pick(rng))
		}
		return e.sleep(ctx, stop, s.ThinkingDelay.Pick(rng))

	case compose.KindText:
		d := typingDuration(a.Text, s, rng) + s.ThinkingDelay.Pick(rng)
		var hint func(context.Context, int64) error
		if ind != nil {
			hint = ind.Typing
		}
		return e.waitIndicating(ctx, stop, chat, d, hint)

	case compose.KindSticker:
		if i > 0 && !e.sleep(ctx, stop, s.ThinkingDelay.Pick(rng)) {
			return false
		}
		var hint func(context.Context, int64) error
		if ind != nil {
			hint = ind.ChoosingSticker
		}
		return e.waitIndicating(ctx, stop, chat, s.StickerChoosingDelay.Pick(rng), hint)
	}
	return true
}

// typingDuration is chars × per-char delay, clamped to [minTyping, max].
func typingDuration(text string, s settings.Settings, rng *rand.Rand) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * s.TypingDelayPerChar.Pick(rng)
	ceiling := s.MaxTypingDuration
	if ceiling < minTyping {
		ceiling = minTyping
	}
	switch {
	case d < minTyping:
		return minTyping
	case d > ceiling:
		return ceiling
	}
	return d
}

// waitIndicating sleeps d while keeping an activity hint alive.
func (e *Engine) waitIndicating(ctx context.Context, stop <-chan struct{}, chat int64,
	d time.Duration, hint func(context.Context, int64) error) bool {

	for d > 0 {
		if hint != nil {
			e.indicate(ctx, chat, hint)
		}
		step := d
		if hint != nil && step > indicatorRefresh {
			step = indicatorRefresh
		}
		if !e.sleep(ctx, stop, step) {
			return false
		}
		d -= step
	}
	return e.sleep(ctx, stop, 0)
}

func (e *Engine) indicate(ctx context.Context, chat int64, hint func(context.Context, int64) error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := hint(cctx, chat); err != nil {
		e.logger.Debug("automode: activity hint failed", "chat", chat, "error", err)
	}
}

func (e *Engine) perform(ctx context.Context, chat int64, a compose.Action) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch a.Kind {
	case compose.KindText:
		return e.tr.SendText(cctx, chat, a.Text, a.ReplyTo)
	case compose.KindSticker:
		return e.tr.SendSticker(cctx, chat, a.Sticker)
	case compose.KindReaction:
		return e.tr.SendReaction(cctx, chat, a.MessageID, a.Emoji)
	}
	return errors.New("automode: unknown action kind " + a.Kind.String())
}
