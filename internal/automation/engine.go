// Package automation turns automation definitions into per-subscriber flows
// and advances them through a delayed work queue.
//
// Events enter through Engine.OnEvent or Engine.HandleEvent. The Matcher
// picks the active automations triggered by the event, the Initiator creates
// a flow and queues step 1, and the Scheduler's workers claim due queue items
// and hand them to the Executor, which runs the step and queues the next one.
// At most one active flow exists per (automation, subscriber); the FlowStore
// enforces that atomically.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/distlock"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// LockFactory returns a distributed lock for the named sweep.
type LockFactory func(name string) distlock.DistLock

// Deps collects the stores and collaborators the engine runs against.
type Deps struct {
	Definitions DefinitionStore
	Flows       FlowStore
	Queue       Queue
	Subscribers SubscriberDirectory
	Mail        MailGateway
	Webhooks    WebhookDispatcher
	Audience    AudienceService
	// Locks guards the recovery and retention sweeps across hosts. Nil
	// means process-local locks.
	Locks LockFactory
	// Now is the clock. Nil means time.Now in UTC.
	Now func() time.Time
}

// Engine is the facade the binaries and event sources talk to.
type Engine struct {
	defs        DefinitionStore
	flows       FlowStore
	subscribers SubscriberDirectory

	matcher   *Matcher
	initiator *Initiator
	executor  *Executor
	scheduler *Scheduler
	recovery  *Recovery
	retention *Retention
	life      *lifecycle
	now       func() time.Time
	log       *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds every component from deps and cfg.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Definitions == nil:
		return nil, errors.New("automation: definition store is required")
	case deps.Flows == nil:
		return nil, errors.New("automation: flow store is required")
	case deps.Queue == nil:
		return nil, errors.New("automation: queue is required")
	case deps.Subscribers == nil:
		return nil, errors.New("automation: subscriber directory is required")
	}

	cfg = cfg.withDefaults()
	now := clockOrDefault(deps.Now)
	locks := deps.Locks
	if locks == nil {
		locks = func(string) distlock.DistLock { return distlock.NewLocalLock() }
	}
	log := logger.With("component", "engine")

	initiator := NewInitiator(deps.Flows, deps.Queue, deps.Definitions, now)
	executor := NewExecutor(ExecutorDeps{
		Definitions: deps.Definitions,
		Flows:       deps.Flows,
		Queue:       deps.Queue,
		Subscribers: deps.Subscribers,
		Mail:        deps.Mail,
		Webhooks:    deps.Webhooks,
		Audience:    deps.Audience,
		Now:         now,
	})

	return &Engine{
		defs:        deps.Definitions,
		flows:       deps.Flows,
		subscribers: deps.Subscribers,
		matcher:     NewMatcher(deps.Definitions, deps.Flows, initiator),
		initiator:   initiator,
		executor:    executor,
		scheduler:   NewScheduler(deps.Queue, deps.Flows, deps.Definitions, executor, cfg, now),
		recovery:    NewRecovery(deps.Queue, deps.Flows, locks("flow-recovery"), cfg, now),
		retention:   NewRetention(deps.Flows, locks("flow-retention"), cfg, now),
		life:        &lifecycle{flows: deps.Flows, defs: deps.Definitions, log: log},
		now:         now,
		log:         log,
	}, nil
}

// OnEvent matches eventName for sub and starts the qualifying flows.
func (e *Engine) OnEvent(ctx context.Context, eventName string, sub *domain.Subscriber, payload map[string]any) ([]*domain.Flow, error) {
	return e.matcher.OnEvent(ctx, eventName, sub, payload)
}

// HandleEvent resolves the event's subscriber by id, falling back to email,
// and passes it to OnEvent.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.Event) ([]*domain.Flow, error) {
	name := ev.TriggerName()
	if name == "" || name == domain.BehavioralPrefix {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidEvent)
	}

	sub, err := e.resolveSubscriber(ctx, ev)
	if err != nil {
		return nil, err
	}
	return e.OnEvent(ctx, name, sub, ev.Payload)
}

func (e *Engine) resolveSubscriber(ctx context.Context, ev domain.Event) (*domain.Subscriber, error) {
	var (
		sub *domain.Subscriber
		err error
	)
	if ev.SubscriberID != "" {
		sub, err = e.subscribers.FindByID(ctx, ev.SubscriberID)
		if err != nil {
			return nil, fmt.Errorf("find subscriber %s: %w", ev.SubscriberID, err)
		}
	}
	if sub == nil && ev.Email != "" {
		sub, err = e.subscribers.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(ev.Email)))
		if err != nil {
			return nil, fmt.Errorf("find subscriber by email: %w", err)
		}
	}
	if sub == nil {
		return nil, ErrSubscriberNotFound
	}
	return sub, nil
}

// StopFlow stops the subscriber's active flow in the automation. It is a
// no-op when there is none.
func (e *Engine) StopFlow(ctx context.Context, automationID, subscriberID, reason string) error {
	flow, err := e.flows.GetActive(ctx, domain.FlowRef{AutomationID: automationID, SubscriberID: subscriberID})
	if errors.Is(err, ErrFlowNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active flow: %w", err)
	}
	if reason == "" {
		reason = "stopped"
	}
	_, err = e.life.stop(ctx, flow, reason, e.now())
	return err
}

// GetFlow returns a flow by id.
func (e *Engine) GetFlow(ctx context.Context, id string) (*domain.Flow, error) {
	return e.flows.Get(ctx, id)
}

// GetAutomation returns an automation definition by id.
func (e *Engine) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	return e.defs.Get(ctx, id)
}

// ProcessNext runs at most one due queue item on the calling goroutine.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	return e.scheduler.ProcessNext(ctx)
}

// Recover runs one stale-claim sweep.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.recovery.RunOnce(ctx)
}

// PurgeTerminal runs one retention sweep.
func (e *Engine) PurgeTerminal(ctx context.Context) (int64, error) {
	return e.retention.RunOnce(ctx)
}

// Start launches the scheduler workers, the recovery loop and the retention
// schedule. Stop shuts them down.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := e.retention.Start(ctx); err != nil {
		cancel()
		return err
	}
	e.cancel = cancel
	e.done = make(chan struct{})

	e.scheduler.Start(ctx)
	go func() {
		defer close(e.done)
		e.recovery.Start(ctx)
	}()
	e.log.Info("engine started")
	return nil
}

// Stop shuts down background work started by Start.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.scheduler.Stop()
	e.retention.Stop()
	<-e.done
	e.cancel = nil
	e.log.Info("engine stopped")
}

// Stats returns the scheduler counters.
func (e *Engine) Stats() SchedulerStats { return e.scheduler.Stats() }

// IsHealthy reports whether the scheduler can reach its queue.
func (e *Engine) IsHealthy() bool { return e.scheduler.IsHealthy() }

// LastRunAt is when the scheduler last polled.
func (e *Engine) LastRunAt() time.Time { return e.scheduler.LastRunAt() }
