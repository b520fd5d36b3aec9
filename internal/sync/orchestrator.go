package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/inboxpilot/mailcal/internal/store"
)

// Orchestrator drives one cycle per syncable user on a fixed interval.
// Cycles for different users run concurrently; a user whose previous
// cycle is still running is skipped for the tick, never queued.
type Orchestrator struct {
	engine   *Engine
	db       *store.Store
	interval time.Duration
	locks    *lockTable
	log      *slog.Logger
	wg       gosync.WaitGroup

	// Now is injected for tests; defaults to time.Now.
	Now func() time.Time
}

// NewOrchestrator creates the scheduler. interval <= 0 falls back to
// one hour.
func NewOrchestrator(engine *Engine, db *store.Store, interval time.Duration, log *slog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Orchestrator{
		engine:   engine,
		db:       db,
		interval: interval,
		locks:    newLockTable(),
		log:      log,
		Now:      time.Now,
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight cycles.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.log.Info("sync orchestrator started", "interval", o.interval)
	o.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			o.log.Info("sync orchestrator stopping")
			o.wg.Wait()
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick launches a cycle for every syncable user. AuthRequired users
// are excluded by the store query until an external re-login stores a
// fresh credential.
func (o *Orchestrator) Tick(ctx context.Context) {
	userIDs, err := o.db.ListSyncableUserIDs(ctx)
	if err != nil {
		o.log.Error("failed to list syncable users", "error", err)
		return
	}

	for _, userID := range userIDs {
		o.launch(ctx, userID)
	}
}

// TriggerSync runs one immediate cycle for a single user, subject to
// the same single-flight guarantee as scheduled ticks.
func (o *Orchestrator) TriggerSync(ctx context.Context, userID string) {
	o.launch(ctx, userID)
}

func (o *Orchestrator) launch(ctx context.Context, userID string) {
	if !o.locks.TryAcquire(userID) {
		o.log.Debug("cycle still running, skipping tick", "user_id", userID)
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.locks.Release(userID)

		if err := o.engine.RunCycle(ctx, userID, o.Now()); err != nil {
			o.log.Debug("cycle ended with error", "user_id", userID, "error", err)
		}
	}()
}
