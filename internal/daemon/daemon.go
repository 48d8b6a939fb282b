// Package daemon runs the background sync scheduler.
//
// The daemon ticks on a fixed interval, lists the targets eligible for
// automatic sync, and runs the coordinator for each in parallel up to a
// concurrency bound. An in-process guard skips targets whose previous run has
// not returned; cross-process exclusivity stays with the distributed lease,
// so several daemons pointed at the same database coexist safely.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mintwell/ledgersync/internal/engine"
	"github.com/mintwell/ledgersync/internal/store"
)

// Runner executes one sync run. *engine.Coordinator is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, targetID string) (*engine.RunResult, error)
}

// TargetLister supplies the targets considered each tick. *store.TargetStore
// is the production implementation.
type TargetLister interface {
	ListContext(ctx context.Context, includeInactive bool) ([]*store.SyncTarget, error)
}

// Config tunes the scheduler.
type Config struct {
	// Interval is the time between scheduling ticks.
	Interval time.Duration

	// MaxConcurrent bounds how many targets sync at once.
	MaxConcurrent int
}

// Daemon schedules sync runs until stopped.
type Daemon struct {
	targets TargetLister
	runner  Runner
	config  Config
	logger  *slog.Logger

	kicks chan string

	mu       sync.Mutex
	inflight map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runs   sync.WaitGroup
}

// New creates a Daemon. Both collaborators are required; a nil logger falls
// back to slog.Default().
func New(targets TargetLister, runner Runner, config Config, logger *slog.Logger) (*Daemon, error) {
	if targets == nil || runner == nil {
		return nil, fmt.Errorf("daemon requires a target lister and a runner")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon interval must be positive")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		targets:  targets,
		runner:   runner,
		config:   config,
		logger:   logger,
		kicks:    make(chan string, 16),
		inflight: make(map[string]bool),
	}, nil
}

// Start launches the scheduling loop. The first tick fires immediately; the
// loop then runs until Stop is called or ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("sync daemon started",
			"interval", d.config.Interval, "max_concurrent", d.config.MaxConcurrent)

		sem := make(chan struct{}, d.config.MaxConcurrent)
		ticker := time.NewTicker(d.config.Interval)
		defer ticker.Stop()

		d.tick(loopCtx, sem)
		for {
			select {
			case <-loopCtx.Done():
				return
			case targetID := <-d.kicks:
				d.launch(loopCtx, sem, targetID)
			case <-ticker.C:
				d.tick(loopCtx, sem)
			}
		}
	}()
}

// Stop cancels the scheduling loop and waits for it and every in-flight run
// to finish.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.runs.Wait()
	d.logger.Info("sync daemon stopped")
}

// Kick requests an immediate run for one target, ahead of the next tick.
// Kicks on a full queue are dropped; the periodic tick covers the target soon
// anyway.
func (d *Daemon) Kick(targetID string) {
	select {
	case d.kicks <- targetID:
	default:
		d.logger.Debug("kick queue full, dropping", "target", targetID)
	}
}

// tick schedules every eligible target once.
func (d *Daemon) tick(ctx context.Context, sem chan struct{}) {
	targets, err := d.targets.ListContext(ctx, false)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to list targets", "err", err)
		}
		return
	}
	for _, target := range targets {
		// Reauth-required targets wait for operator action; the coordinator
		// would refuse them anyway, this just keeps the logs quiet.
		if target.Status != store.StatusActive && target.Status != store.StatusError {
			continue
		}
		d.launch(ctx, sem, target.TargetID)
	}
}

// launch starts one run goroutine unless the target is already in flight.
func (d *Daemon) launch(ctx context.Context, sem chan struct{}, targetID string) {
	d.mu.Lock()
	if d.inflight[targetID] {
		d.mu.Unlock()
		d.logger.Debug("target still in flight, skipping", "target", targetID)
		return
	}
	d.inflight[targetID] = true
	d.mu.Unlock()

	d.runs.Add(1)
	go func() {
		defer d.runs.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, targetID)
			d.mu.Unlock()
		}()

		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return
		}

		result, err := d.runner.Run(ctx, targetID)
		switch {
		case err != nil:
			d.logger.Error("scheduled run failed", "target", targetID, "err", err)
		case result != nil && result.Outcome == engine.OutcomeLockBusy:
			d.logger.Debug("target syncing elsewhere", "target", targetID)
		case result != nil:
			d.logger.Info("scheduled run complete",
				"target", targetID,
				"added", result.Counts.Added,
				"modified", result.Counts.Modified,
				"removed", result.Counts.Removed,
				"pages", result.Pages)
		}
	}()
}
