package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/flow-engine/internal/pkg/distlock"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// Recovery returns items to the queue when the worker that claimed them
// died before acking. Each recovered item costs one attempt, so an item that
// keeps crashing its worker ends up stopping its flow through the retry
// budget.
//
// It also requeues active flows whose next action is overdue by more than
// the stale age. A worker that dies between moving a flow and writing its
// queue item leaves such a flow behind.
type Recovery struct {
	queue    Queue
	flows    FlowStore
	lock     distlock.DistLock
	interval time.Duration
	staleAge time.Duration
	now      func() time.Time
	log      *logger.Logger
}

// NewRecovery wires a Recovery. A nil lock runs the sweep on every host.
func NewRecovery(queue Queue, flows FlowStore, lock distlock.DistLock, cfg Config, now func() time.Time) *Recovery {
	cfg = cfg.withDefaults()
	if lock == nil {
		lock = distlock.NewLocalLock()
	}
	return &Recovery{
		queue:    queue,
		flows:    flows,
		lock:     lock,
		interval: cfg.RecoveryInterval,
		staleAge: cfg.StaleClaimAfter,
		now:      clockOrDefault(now),
		log:      logger.With("component", "recovery"),
	}
}

// Start runs the sweep every interval. It blocks until ctx is cancelled.
func (r *Recovery) Start(ctx context.Context) {
	r.log.Info("recovery starting", "interval", r.interval, "stale_age", r.staleAge)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("recovery stopping")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// reconcileBatch caps the overdue flows handled per sweep.
const reconcileBatch = 500

// RunOnce releases items claimed longer than the stale age, then requeues
// overdue flows. It returns how many claims were released; zero when another
// host holds the lock.
func (r *Recovery) RunOnce(ctx context.Context) (int, error) {
	var released int
	_, err := distlock.Run(ctx, r.lock, func(ctx context.Context) error {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		cutoff := r.now().Add(-r.staleAge)
		n, err := r.queue.RecoverStale(sweepCtx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.Warn("released stale claims", "count", n)
		}
		released = n

		return r.reconcile(sweepCtx, cutoff)
	})
	return released, err
}

// reconcile writes the queue item for every active flow whose next action
// was due before cutoff. Flows that already have their item are untouched
// because Enqueue keeps existing items.
func (r *Recovery) reconcile(ctx context.Context, cutoff time.Time) error {
	if r.flows == nil {
		return nil
	}
	overdue, err := r.flows.ListOverdue(ctx, cutoff, reconcileBatch)
	if err != nil {
		return fmt.Errorf("list overdue flows: %w", err)
	}

	now := r.now()
	for _, f := range overdue {
		if f.CurrentStep == 0 {
			// Created but never moved to its first step.
			err := r.flows.Advance(ctx, f.ID, 0, 1, now)
			if errors.Is(err, ErrFlowNotActive) {
				continue
			}
			if err != nil {
				return fmt.Errorf("advance flow %s: %w", f.ID, err)
			}
			f.CurrentStep = 1
		}
		if err := r.queue.Enqueue(ctx, stepItem(f, f.CurrentStep, now, now)); err != nil {
			return fmt.Errorf("requeue flow %s: %w", f.ID, err)
		}
	}
	if len(overdue) > 0 {
		r.log.Debug("checked overdue flows", "count", len(overdue))
	}
	return nil
}
