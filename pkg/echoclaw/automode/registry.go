package automode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/memory"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
)

// Status is the registry state of a chat's worker.
type Status string

const (
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusInactive Status = "inactive"
)

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("automode: registry is shut down")

// Runner is a worker loop. Run returns when the record's stop channel is
// closed, ctx is cancelled, or the worker decides to exit.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the worker loop for a freshly registered record.
type Factory func(rec *Record) (Runner, error)

// Record is the registry entry of one chat's worker. It is handed to the
// worker so the loop can check its own status and report errors.
type Record struct {
	Chat      int64
	StartedAt time.Time

	// Anchor is the memory anchor owned by this worker.
	Anchor memory.Anchor

	reg  *Registry
	stop chan struct{}
	done chan struct{}

	// guarded by reg.mu
	status    Status
	lastError string
	lastCycle time.Time
}

// Stopped is closed when the operator asks the worker to stop.
func (r *Record) Stopped() <-chan struct{} { return r.stop }

// Done is closed once the worker loop has returned.
func (r *Record) Done() <-chan struct{} { return r.done }

// Status returns the record's registry status.
func (r *Record) Status() Status {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.status
}

// ReportError stores the last cycle error, or clears it when err is nil.
func (r *Record) ReportError(err error) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	r.lastCycle = time.Now()
	if err == nil {
		r.lastError = ""
		return
	}
	r.lastError = err.Error()
}

func (r *Record) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Info is a snapshot of a registry entry.
type Info struct {
	Chat      int64     `json:"chat"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
}

// Registry tracks one worker per chat. A single mutex guards every read and
// write of the table, including the shutdown iteration.
type Registry struct {
	mu      sync.Mutex
	records map[int64]*Record
	closed  bool

	ctx     context.Context
	factory Factory
	logger  *slog.Logger
}

// NewRegistry creates a registry. Workers run under ctx.
func NewRegistry(ctx context.Context, factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		records: make(map[int64]*Record),
		ctx:     ctx,
		factory: factory,
		logger:  logger.With("component", "automode"),
	}
}

// Start launches a worker for chat. It returns false without error when a
// live worker already exists.
func (g *Registry) Start(chat int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false, ErrClosed
	}
	if existing, ok := g.records[chat]; ok && existing.alive() {
		g.logger.Warn("automode: worker already running", "chat", chat, "status", existing.status)
		return false, nil
	}

	rec := &Record{
		Chat:      chat,
		StartedAt: time.Now(),
		reg:       g,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    StatusActive,
	}
	runner, err := g.factory(rec)
	if err != nil {
		return false, fmt.Errorf("building worker for chat %d: %w", chat, err)
	}
	g.records[chat] = rec
	metrics.WorkersActive.Inc()

	go g.run(rec, runner)

	g.logger.Info("automode: worker started", "chat", chat)
	return true, nil
}

func (g *Registry) run(rec *Record, runner Runner) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			g.logger.Error("automode: worker crashed", "chat", rec.Chat, "panic", r)
		}
		g.finish(rec, err)
	}()
	err = runner.Run(g.ctx)
}

// finish applies the exit rule: a stopping record is removed, any other
// record is kept as inactive so its last error stays visible.
func (g *Registry) finish(rec *Record, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	close(rec.done)
	metrics.WorkersActive.Dec()

	if err != nil {
		rec.lastError = err.Error()
	}
	if rec.status == StatusStopping {
		if g.records[rec.Chat] == rec {
			delete(g.records, rec.Chat)
		}
		g.logger.Info("automode: worker stopped", "chat", rec.Chat)
		return
	}
	rec.status = StatusInactive
	g.logger.Warn("automode: worker exited", "chat", rec.Chat, "error", err)
}

// Stop signals chat's worker. It is idempotent; with no live worker it only
// makes sure the entry reads inactive. It reports whether a signal was sent.
func (g *Registry) Stop(chat int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[chat]
	if !ok {
		return false
	}
	if !rec.alive() {
		rec.status = StatusInactive
		return false
	}
	if rec.status != StatusActive {
		return false
	}
	rec.status = StatusStopping
	close(rec.stop)
	g.logger.Info("automode: stop requested", "chat", chat)
	return true
}

// Status returns chat's status; unknown chats are inactive.
func (g *Registry) Status(chat int64) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[chat]; ok {
		return rec.status
	}
	return StatusInactive
}

// Info returns a snapshot of chat's entry.
func (g *Registry) Info(chat int64) Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[chat]
	if !ok {
		return Info{Chat: chat, Status: StatusInactive}
	}
	return rec.info()
}

// List returns a snapshot of all entries ordered by chat id.
func (g *Registry) List() []Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Info, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chat < out[j].Chat })
	return out
}

func (r *Record) info() Info {
	return Info{
		Chat:      r.Chat,
		Status:    r.status,
		LastError: r.lastError,
		StartedAt: r.StartedAt,
		LastCycle: r.lastCycle,
	}
}

// Shutdown stops every live worker and waits for them until grace elapses,
// on one deadline shared by all workers. It reports whether all exited.
func (g *Registry) Shutdown(grace time.Duration) bool {
	g.mu.Lock()
	g.closed = true
	var pending []*Record
	for _, rec := range g.records {
		if !rec.alive() {
			continue
		}
		if rec.status == StatusActive {
			rec.status = StatusStopping
			close(rec.stop)
		}
		pending = append(pending, rec)
	}
	g.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, rec := range pending {
		select {
		case <-rec.done:
		case <-deadline.C:
			g.logger.Warn("automode: shutdown grace elapsed", "pending", len(pending))
			return false
		}
	}
	return true
}
