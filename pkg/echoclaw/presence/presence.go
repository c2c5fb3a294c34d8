// Package presence keeps the account's online status fresh on platforms
// that expire it, using a robfig/cron schedule.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// DefaultSchedule refreshes presence a little more often than WhatsApp
// drops it.
const DefaultSchedule = "@every 75s"

// Config configures the presence keeper.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Schedule: DefaultSchedule}
}

// Keeper periodically marks the account online.
type Keeper struct {
	setter  transport.PresenceSetter
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a keeper for setter.
func New(setter transport.PresenceSetter, cfg Config, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Keeper{
		setter:  setter,
		cfg:     cfg,
		timeout: 15 * time.Second,
		logger:  logger.With("component", "presence"),
	}
}

// Start refreshes presence once and then on every schedule tick.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	k.ctx, k.cancel = context.WithCancel(ctx)
	if _, err := c.AddFunc(k.cfg.Schedule, func() { _ = k.Refresh(k.ctx) }); err != nil {
		k.cancel()
		return fmt.Errorf("presence: invalid schedule %q: %w", k.cfg.Schedule, err)
	}

	_ = k.Refresh(k.ctx)
	c.Start()
	k.cron = c
	k.logger.Info("presence: keeper started", "schedule", k.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running refresh.
func (k *Keeper) Stop() {
	k.mu.Lock()
	c, cancel := k.cron, k.cancel
	k.cron = nil
	k.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(k.timeout):
		k.logger.Warn("presence: stop timed out")
	}
	k.logger.Info("presence: keeper stopped")
}

// Refresh marks the account online now.
func (k *Keeper) Refresh(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.setter.SetOnline(cctx); err != nil {
		metrics.PresenceUpdates.WithLabelValues("failed").Inc()
		k.logger.Warn("presence: refresh failed", "error", err)
		return err
	}
	metrics.PresenceUpdates.WithLabelValues("ok").Inc()
	k.logger.Debug("presence: online")
	return nil
}
