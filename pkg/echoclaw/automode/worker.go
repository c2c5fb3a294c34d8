package automode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// tailSize is how many messages a poll fetches to spot the latest one.
const tailSize = 2

// trigger is why a cycle generates.
type trigger string

const (
	triggerNone  trigger = ""
	triggerReply trigger = "reply"
	triggerNudge trigger = "nudge"
)

// seenMessage identifies the latest processed counterpart message.
type seenMessage struct {
	id int64
	at time.Time
}

func seen(m transport.Message) *seenMessage { return &seenMessage{id: m.ID, at: m.At} }

func (s *seenMessage) same(m transport.Message) bool {
	return s != nil && s.id == m.ID && s.at.Equal(m.At)
}

// newer reports whether m comes after the processed message.
func (s *seenMessage) newer(m transport.Message) bool {
	if s == nil {
		return true
	}
	if s.same(m) {
		return false
	}
	return !m.At.Before(s.at)
}

// Worker is the auto-mode loop of one chat. Only its own goroutine touches
// its fields.
type Worker struct {
	engine *Engine
	rec    *Record
	chat   int64
	logger *slog.Logger
	rng    *rand.Rand

	primed      bool
	processed   *seenMessage
	lastOwnSend time.Time
	step        string
	persona     string
	backoff     time.Duration
}

func newWorker(e *Engine, rec *Record, rng *rand.Rand) *Worker {
	return &Worker{
		engine:  e,
		rec:     rec,
		chat:    rec.Chat,
		logger:  e.logger.With("chat", rec.Chat),
		rng:     rng,
		backoff: settings.Defaults().FaultBackoff,
	}
}

// Run loops until the record is stopped, ctx ends or the registry no longer
// lists the worker as active.
func (w *Worker) Run(ctx context.Context) error {
	w.lastOwnSend = w.engine.now()
	w.logger.Info("automode: loop running")

	for {
		wait, done := w.safeCycle(ctx)
		if done {
			return nil
		}
		if !w.engine.sleep(ctx, w.rec.Stopped(), wait) {
			return nil
		}
	}
}

// safeCycle runs one cycle, turning a panic into a fault backoff.
func (w *Worker) safeCycle(ctx context.Context) (wait time.Duration, done bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("automode: cycle panicked",
				"persona", w.persona, "step", w.step, "panic", r, "stack", string(debug.Stack()))
			w.rec.ReportError(fmt.Errorf("panic during %s: %v", w.step, r))
			metrics.Cycles.WithLabelValues("none", "fault").Inc()
			wait, done = w.backoff, false
		}
	}()
	return w.cycle(ctx)
}

// cycle runs one pass of the loop and returns how long to wait before the
// next one. done means the loop must exit.
func (w *Worker) cycle(ctx context.Context) (time.Duration, bool) {
	w.step = "settings"
	turn, err := w.engine.Prepare(ctx, w.chat)
	if turn.Persona != nil {
		w.persona = turn.Persona.ID
	}
	if err != nil {
		if errors.Is(err, ErrNoPersona) {
			w.logger.Warn("automode: no persona, backing off", "error", err, "backoff", turn.Settings.NoPersonaBackoff)
			w.rec.ReportError(err)
			return turn.Settings.NoPersonaBackoff, false
		}
		return w.fault(err), false
	}
	s := turn.Settings
	w.backoff = s.FaultBackoff

	if w.rec.Status() != StatusActive {
		w.logger.Info("automode: no longer active, exiting")
		return 0, true
	}

	w.step = "poll"
	tail, err := w.engine.recent(ctx, w.chat, tailSize)
	if err != nil {
		w.logger.Warn("automode: polling history failed", "error", err, "backoff", s.FetchBackoff)
		w.rec.ReportError(err)
		return s.FetchBackoff, false
	}
	if len(tail) == 0 {
		return s.CheckInterval, false
	}
	latest := tail[len(tail)-1]

	if !w.primed {
		w.primed = true
		if latest.Role == transport.RoleSelf {
			w.processed = seen(latest)
		}
	}

	trig := triggerNone
	prev := w.processed
	switch {
	case latest.Role == transport.RoleCounterpart && w.processed.newer(latest):
		w.step = "debounce"
		settled, ok := w.debounce(ctx, latest, s)
		if !ok {
			return 0, true
		}
		if settled {
			trig = triggerReply
		}

	case latest.Role == transport.RoleSelf && w.engine.now().Sub(w.lastOwnSend) > s.NoReplyTimeout:
		w.logger.Info("automode: counterpart silent, nudging", "timeout", s.NoReplyTimeout)
		trig = triggerNudge
		w.lastOwnSend = w.engine.now()
	}

	if trig == triggerNone {
		return s.CheckInterval, false
	}
	wait, retry := w.generate(ctx, turn, trig)
	if retry && trig == triggerReply {
		w.processed = prev
	}
	return wait, false
}

// debounce waits for a burst of counterpart messages to settle. Each newer
// message restarts the wait. It returns settled=false when the latest
// message turned out to be our own, and ok=false on stop.
func (w *Worker) debounce(ctx context.Context, ref transport.Message, s settings.Settings) (settled, ok bool) {
	for {
		w.logger.Debug("automode: new message, waiting to settle", "message", ref.ID, "wait", s.InitialWait)
		if !w.engine.sleep(ctx, w.rec.Stopped(), s.InitialWait) {
			return false, false
		}
		tail, err := w.engine.recent(ctx, w.chat, tailSize)
		if err != nil || len(tail) == 0 {
			w.logger.Warn("automode: re-checking history failed, skipping cycle", "error", err)
			return false, true
		}
		latest := tail[len(tail)-1]
		switch {
		case latest.ID == ref.ID && latest.At.Equal(ref.At):
			w.processed = seen(ref)
			return true, true
		case latest.Role == transport.RoleCounterpart:
			w.logger.Debug("automode: newer message during wait, restarting", "message", latest.ID)
			ref = latest
		default:
			w.processed = seen(ref)
			return false, true
		}
	}
}

// generate drafts, checkpoints memory, composes and delivers one reply.
// retry is set when generation itself failed and the trigger should fire
// again after the backoff.
func (w *Worker) generate(ctx context.Context, turn Turn, trig trigger) (wait time.Duration, retry bool) {
	s := turn.Settings
	log := w.logger.With("persona", turn.Persona.ID, "trigger", string(trig))

	w.step = "generate"
	draft, err := w.engine.Draft(ctx, turn, trig == triggerNudge)
	switch {
	case errors.Is(err, ErrHistory):
		log.Warn("automode: history for generation unavailable", "error", err, "backoff", s.HistoryBackoff)
		w.outcome(trig, "history_failed", err)
		return s.HistoryBackoff, true
	case errors.Is(err, llm.ErrEmptyOutput):
		log.Info("automode: model returned nothing")
		w.outcome(trig, "empty", nil)
		return s.CheckInterval, false
	case err != nil:
		log.Warn("automode: generation failed", "error", err, "kind", llm.KindOf(err).String(), "backoff", s.GenerationBackoff)
		w.outcome(trig, "generation_failed", err)
		return s.GenerationBackoff, true
	}

	w.step = "memory"
	w.engine.Checkpoint(ctx, turn, draft, &w.rec.Anchor)

	w.step = "compose"
	actions, err := w.engine.Compose(draft.Text, s, draft.Stickers)
	if errors.Is(err, compose.ErrNothingToSend) {
		log.Info("automode: reply had nothing to send")
		w.outcome(trig, "empty", nil)
		return s.CheckInterval, false
	}
	if err != nil {
		return w.fault(err), false
	}

	w.step = "send"
	res, err := w.engine.Execute(ctx, w.rec.Stopped(), w.chat, actions, s, w.rng)
	if res.Sent > 0 {
		w.lastOwnSend = w.engine.now()
	}
	switch {
	case errors.Is(err, ErrInterrupted):
		w.outcome(trig, "interrupted", nil)
		return 0, false
	case err != nil:
		w.outcome(trig, "send_failed", err)
		wait = s.CheckInterval
		var te *transport.Error
		if errors.As(err, &te) && te.RetryAfter > wait {
			wait = te.RetryAfter
		}
		return wait, false
	}

	log.Info("automode: reply delivered", "sent", res.Sent, "skipped", res.Skipped, "dropped", res.Dropped)
	w.outcome(trig, "sent", nil)
	return s.CheckInterval, false
}

func (w *Worker) outcome(trig trigger, outcome string, err error) {
	metrics.Cycles.WithLabelValues(string(trig), outcome).Inc()
	w.rec.ReportError(err)
}

// fault logs an unexpected cycle error and returns the fault backoff.
func (w *Worker) fault(err error) time.Duration {
	w.logger.Error("automode: cycle failed",
		"persona", w.persona, "step", w.step, "error", err, "backoff", w.backoff)
	w.rec.ReportError(fmt.Errorf("%s: %w", w.step, err))
	metrics.Cycles.WithLabelValues("none", "fault").Inc()
	return w.backoff
}
