package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/flow-engine/internal/pkg/distlock"
	"github.com/ignite/flow-engine/internal/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Retention deletes completed and stopped flows older than the configured
// number of days on a cron schedule.
type Retention struct {
	flows    FlowStore
	lock     distlock.DistLock
	days     int
	schedule string
	now      func() time.Time
	log      *logger.Logger
	cron     *cron.Cron
}

// NewRetention wires a Retention. A nil lock runs the sweep on every host.
func NewRetention(flows FlowStore, lock distlock.DistLock, cfg Config, now func() time.Time) *Retention {
	cfg = cfg.withDefaults()
	if lock == nil {
		lock = distlock.NewLocalLock()
	}
	return &Retention{
		flows:    flows,
		lock:     lock,
		days:     cfg.RetentionDays,
		schedule: cfg.RetentionSchedule,
		now:      clockOrDefault(now),
		log:      logger.With("component", "retention"),
	}
}

// Start schedules the sweep. It is a no-op when retention is disabled.
func (r *Retention) Start(ctx context.Context) error {
	if r.days <= 0 {
		r.log.Info("retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("retention schedule %q: %w", r.schedule, err)
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	r.cron.Start()
	r.log.Info("retention scheduled", "schedule", r.schedule, "days", r.days)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce deletes terminal flows that ended more than the retention period
// ago.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	if r.days <= 0 {
		return 0, nil
	}
	var deleted int64
	_, err := distlock.Run(ctx, r.lock, func(ctx context.Context) error {
		cutoff := r.now().AddDate(0, 0, -r.days)
		n, err := r.flows.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("delete flows before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		deleted = n
		r.log.Info("retention sweep done", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
		return nil
	})
	return deleted, err
}
