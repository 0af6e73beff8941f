package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// Scheduler runs a pool of workers that claim due queue items and hand them
// to the Executor.
type Scheduler struct {
	queue    Queue
	flows    FlowStore
	executor *Executor
	life     *lifecycle
	cfg      Config
	workerID string
	now      func() time.Time
	log      *logger.Logger

	executed  int64
	failed    int64
	retried   int64
	dropped   int64
	requeued  int64
	claimLost int64

	lastRunAt atomic.Int64
	healthy   atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerStats is a snapshot of the scheduler's counters.
type SchedulerStats struct {
	WorkerID  string    `json:"worker_id"`
	Executed  int64     `json:"executed"`
	Failed    int64     `json:"failed"`
	Retried   int64     `json:"retried"`
	Dropped   int64     `json:"dropped"`
	Requeued  int64     `json:"requeued"`
	ClaimLost int64     `json:"claim_lost"`
	Healthy   bool      `json:"healthy"`
	LastRun   time.Time `json:"last_run_at"`
}

// NewScheduler wires a Scheduler. cfg zero values take defaults.
func NewScheduler(queue Queue, flows FlowStore, defs DefinitionStore, executor *Executor, cfg Config, now func() time.Time) *Scheduler {
	workerID := fmt.Sprintf("flow-%s", uuid.New().String()[:8])
	log := logger.With("component", "scheduler", "worker_id", workerID)
	s := &Scheduler{
		queue:    queue,
		flows:    flows,
		executor: executor,
		life:     &lifecycle{flows: flows, defs: defs, log: log},
		cfg:      cfg.withDefaults(),
		workerID: workerID,
		now:      clockOrDefault(now),
		log:      log,
	}
	s.healthy.Store(true)
	return s
}

// Start launches cfg.Workers polling goroutines. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.log.Info("scheduler starting", "workers", s.cfg.Workers, "poll_interval", s.cfg.PollInterval)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.loop(ctx)
	}
}

// Stop cancels the workers and waits up to 30s for in-flight items.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.log.Warn("shutdown timeout, abandoning in-flight items")
	}

	st := s.Stats()
	s.log.Info("scheduler stopped", "executed", st.Executed, "failed", st.Failed, "retried", st.Retried)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain processes due items until the queue has nothing due.
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ok, err := s.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("process queue item failed", "error", err)
			}
			return
		}
		if !ok {
			return
		}
	}
}

// ProcessNext claims and processes at most one due item. It reports whether
// an item was claimed. Errors are queue or store failures; step failures
// are resolved inside and never returned.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	s.lastRunAt.Store(s.now().UnixNano())

	item, err := s.queue.Claim(ctx, s.now(), s.claimToken())
	if err != nil {
		s.healthy.Store(false)
		return false, fmt.Errorf("claim: %w", err)
	}
	s.healthy.Store(true)
	if item == nil {
		return false, nil
	}
	return true, s.process(ctx, item)
}

// claimToken identifies one claim. Workers of one scheduler share workerID,
// so each claim gets its own suffix.
func (s *Scheduler) claimToken() string {
	return s.workerID + "/" + uuid.New().String()[:8]
}

func (s *Scheduler) process(ctx context.Context, item *domain.QueueItem) error {
	log := s.log.With("item_id", item.ID, "flow_id", item.FlowID, "step", item.Step, "attempts", item.Attempts)

	flow, err := s.flows.Get(ctx, item.FlowID)
	if errors.Is(err, ErrFlowNotFound) {
		log.Warn("dropping item for unknown flow")
		atomic.AddInt64(&s.dropped, 1)
		return s.ack(ctx, item)
	}
	if err != nil {
		return s.retry(ctx, item, fmt.Errorf("load flow: %w", err))
	}

	// The step ran and the flow moved on, but the next item was never
	// written. Put it back instead of dropping this one.
	if flow.IsActive() && flow.CurrentStep == item.Step+1 {
		if err := s.requeue(ctx, flow); err != nil {
			log.Warn("requeue next step failed", "current_step", flow.CurrentStep, "error", err)
			return s.settle(ctx, flow, item, err)
		}
		log.Info("requeued next step", "current_step", flow.CurrentStep)
		atomic.AddInt64(&s.requeued, 1)
		return s.ack(ctx, item)
	}

	if !flow.IsActive() || flow.CurrentStep != item.Step {
		log.Debug("dropping stale item", "flow_status", string(flow.Status), "current_step", flow.CurrentStep)
		atomic.AddInt64(&s.dropped, 1)
		return s.ack(ctx, item)
	}

	if item.Attempts >= s.cfg.MaxAttempts {
		return s.giveUp(ctx, flow, item, errors.New(lastErrorOr(item, "claim expired")))
	}

	execErr := s.safeExecute(ctx, flow, item.Step)
	if execErr == nil {
		atomic.AddInt64(&s.executed, 1)
		return s.ack(ctx, item)
	}
	return s.settle(ctx, flow, item, execErr)
}

// settle resolves a failed attempt: permanent errors stop the flow, the
// last allowed attempt gives up, anything else is retried with backoff.
func (s *Scheduler) settle(ctx context.Context, flow *domain.Flow, item *domain.QueueItem, cause error) error {
	switch {
	case IsPermanent(cause):
		atomic.AddInt64(&s.failed, 1)
		s.log.Error("step failed permanently", "flow_id", flow.ID, "step", item.Step, "error", cause)
		if _, err := s.life.stop(ctx, flow, cause.Error(), s.now()); err != nil {
			return fmt.Errorf("stop flow %s: %w", flow.ID, err)
		}
		return s.ack(ctx, item)
	case item.Attempts+1 >= s.cfg.MaxAttempts:
		return s.giveUp(ctx, flow, item, cause)
	default:
		s.log.Warn("step failed, will retry", "flow_id", flow.ID, "step", item.Step, "attempts", item.Attempts, "error", cause)
		return s.retry(ctx, item, cause)
	}
}

// requeue writes the item for the flow's current step. NotBefore keeps the
// recorded next action time so a pending delay is still honoured.
func (s *Scheduler) requeue(ctx context.Context, flow *domain.Flow) error {
	now := s.now()
	notBefore := now
	if flow.NextActionAt != nil {
		notBefore = *flow.NextActionAt
	}
	return s.queue.Enqueue(ctx, stepItem(flow, flow.CurrentStep, notBefore, now))
}

// safeExecute runs the step and turns a panic into an ordinary error so one
// bad flow cannot kill a worker.
func (s *Scheduler) safeExecute(ctx context.Context, flow *domain.Flow, step int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic executing step", "flow_id", flow.ID, "step", step, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, flow, step)
}

func (s *Scheduler) retry(ctx context.Context, item *domain.QueueItem, cause error) error {
	atomic.AddInt64(&s.retried, 1)
	notBefore := s.now().Add(s.Backoff(item.Attempts))
	err := s.queue.Retry(ctx, item, notBefore, cause.Error())
	if errors.Is(err, ErrClaimLost) {
		s.lostClaim(item, "retry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("retry item %s: %w", item.ID, err)
	}
	return nil
}

// ack deletes the item. A claim taken over by another worker after a stale
// release is left to that worker.
func (s *Scheduler) ack(ctx context.Context, item *domain.QueueItem) error {
	err := s.queue.Ack(ctx, item)
	if errors.Is(err, ErrClaimLost) {
		s.lostClaim(item, "ack")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Scheduler) lostClaim(item *domain.QueueItem, op string) {
	atomic.AddInt64(&s.claimLost, 1)
	s.log.Warn("claim lost", "op", op, "item_id", item.ID, "flow_id", item.FlowID, "claimed_by", item.ClaimedBy)
}

func (s *Scheduler) giveUp(ctx context.Context, flow *domain.Flow, item *domain.QueueItem, cause error) error {
	atomic.AddInt64(&s.failed, 1)
	reason := "retry budget exhausted: " + cause.Error()
	if _, err := s.life.stop(ctx, flow, reason, s.now()); err != nil {
		return fmt.Errorf("stop flow %s: %w", flow.ID, err)
	}
	return s.ack(ctx, item)
}

// Backoff returns min(RetryMax, RetryBase * 2^attempts).
func (s *Scheduler) Backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMax {
			return s.cfg.RetryMax
		}
	}
	return min(d, s.cfg.RetryMax)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		WorkerID:  s.workerID,
		Executed:  atomic.LoadInt64(&s.executed),
		Failed:    atomic.LoadInt64(&s.failed),
		Retried:   atomic.LoadInt64(&s.retried),
		Dropped:   atomic.LoadInt64(&s.dropped),
		Requeued:  atomic.LoadInt64(&s.requeued),
		ClaimLost: atomic.LoadInt64(&s.claimLost),
		Healthy:   s.IsHealthy(),
		LastRun:   s.LastRunAt(),
	}
}

// IsHealthy is false after a queue claim failed, until the next one succeeds.
func (s *Scheduler) IsHealthy() bool { return s.healthy.Load() }

// LastRunAt is when a worker last polled the queue.
func (s *Scheduler) LastRunAt() time.Time {
	n := s.lastRunAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func lastErrorOr(item *domain.QueueItem, fallback string) string {
	if item.LastError != "" {
		return item.LastError
	}
	return fallback
}
