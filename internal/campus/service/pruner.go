package service

import (
	"context"
	"log/slog"
	"time"
)

// Prunable is a store that can drop records older than a cutoff.
type Prunable interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner periodically deletes records older than a retention period. It runs
// as a background goroutine and is stopped via its context or Stop.
//
// A retention of 0 disables pruning entirely.
type Pruner struct {
	name      string
	store     Prunable
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// PrunerConfig holds the parameters for NewPruner.
type PrunerConfig struct {
	// Name labels log lines, e.g. "heartbeat" or "bundle".
	Name string

	// RetentionDays is how many days of history to keep.
	// 0 means keep everything (pruner will not start).
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int

	Now func() time.Time
}

// NewPruner creates a pruner but does not start it.
func NewPruner(s Prunable, cfg PrunerConfig, logger *slog.Logger) *Pruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pruner{
		name:      cfg.Name,
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger.With("pruner", cfg.Name),
		now:       now,
		done:      make(chan struct{}),
	}
}

// Start runs an immediate prune, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Info("pruner disabled", "retention_days", 0)
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	go p.loop(ctx)

	p.logger.Info("pruner started",
		"retention_days", int(p.retention.Hours()/24),
		"interval", p.interval.String())
}

// Stop signals the pruner to exit and waits for it to finish. It is safe to
// call more than once.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// PruneNow runs one prune pass synchronously and returns the number of
// records deleted.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.retention)
	return p.store.PruneOlderThan(ctx, cutoff)
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)

	// Clean up any backlog first.
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	deleted, err := p.PruneNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("prune failed", "err", err)
		}
		return
	}
	if deleted > 0 {
		p.logger.Info("pruned old records", "deleted", deleted)
	}
}
