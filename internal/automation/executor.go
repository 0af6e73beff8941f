package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/flow-engine/internal/condition"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// actionRequest is what a handler gets to work with.
type actionRequest struct {
	flow *domain.Flow
	sub  *domain.Subscriber
	step *Step
	// data is the flow's frozen context overlaid with live subscriber
	// attributes and then the trigger payload.
	data map[string]any
}

// outcome tells the executor what to do after a handler succeeded.
type outcome struct {
	// extraDelay is added to the next step's own delay.
	extraDelay time.Duration
	stop       bool
	stopReason string
}

type actionHandler func(ctx context.Context, req actionRequest) (outcome, error)

// ExecutorDeps are the collaborators an Executor calls out to. Any of the
// outbound services may be nil; steps that need a missing one fail
// permanently.
type ExecutorDeps struct {
	Definitions DefinitionStore
	Flows       FlowStore
	Queue       Queue
	Subscribers SubscriberDirectory
	Mail        MailGateway
	Webhooks    WebhookDispatcher
	Audience    AudienceService
	Now         func() time.Time
}

// Executor runs a single step of a flow and moves the flow on.
type Executor struct {
	defs        DefinitionStore
	flows       FlowStore
	queue       Queue
	subscribers SubscriberDirectory
	mail        MailGateway
	webhooks    WebhookDispatcher
	audience    AudienceService
	life        *lifecycle
	handlers    map[domain.ActionType]actionHandler
	now         func() time.Time
	log         *logger.Logger
}

// NewExecutor wires an Executor and builds its dispatch table.
func NewExecutor(deps ExecutorDeps) *Executor {
	log := logger.With("component", "executor")
	e := &Executor{
		defs:        deps.Definitions,
		flows:       deps.Flows,
		queue:       deps.Queue,
		subscribers: deps.Subscribers,
		mail:        deps.Mail,
		webhooks:    deps.Webhooks,
		audience:    deps.Audience,
		life:        &lifecycle{flows: deps.Flows, defs: deps.Definitions, log: log},
		now:         clockOrDefault(deps.Now),
		log:         log,
	}
	e.handlers = map[domain.ActionType]actionHandler{
		domain.ActionSendEmail: e.sendEmail,
		domain.ActionWait:      e.wait,
		domain.ActionCondition: e.checkCondition,
		domain.ActionTag:       e.tag,
		domain.ActionSegment:   e.segment,
		domain.ActionWebhook:   e.webhook,
	}
	return e
}

// Execute runs step stepNumber of flow. On success the flow is advanced and
// the next step queued, or the flow is completed after the last step. A
// failed condition step stops the flow and returns nil. Errors are either
// permanent (see IsPermanent) or worth retrying.
func (e *Executor) Execute(ctx context.Context, flow *domain.Flow, stepNumber int) error {
	def, err := e.defs.Get(ctx, flow.AutomationID)
	if err != nil {
		return fmt.Errorf("load automation %s: %w", flow.AutomationID, err)
	}
	plan, err := Compile(def)
	if err != nil {
		return err
	}

	step, ok := plan.Step(stepNumber)
	if !ok {
		if stepNumber > plan.Len() {
			// The definition lost steps while the flow was waiting.
			return e.life.complete(ctx, flow, stepNumber, e.now())
		}
		return fmt.Errorf("%w: automation %s has no step %d", ErrInvalidDefinition, plan.AutomationID, stepNumber)
	}

	sub, err := e.subscribers.FindByID(ctx, flow.SubscriberID)
	if err != nil {
		return fmt.Errorf("load subscriber %s: %w", flow.SubscriberID, err)
	}
	if sub == nil {
		return fmt.Errorf("subscriber %s: %w", flow.SubscriberID, ErrSubscriberNotFound)
	}

	req := actionRequest{
		flow: flow,
		sub:  sub,
		step: step,
		data: condition.Merge(flow.Context, sub.Attributes(), flow.Payload),
	}

	var out outcome
	if step.Type != domain.ActionCondition && !condition.EvaluateAll(step.Conditions, req.data) {
		e.log.Debug("step conditions not met, skipping", "flow_id", flow.ID, "step", stepNumber, "type", string(step.Type))
	} else {
		handler, ok := e.handlers[step.Type]
		if !ok {
			return fmt.Errorf("%w: no handler for action type %q", ErrInvalidDefinition, step.Type)
		}
		out, err = handler(ctx, req)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", stepNumber, step.Type, err)
		}
	}

	if out.stop {
		_, err := e.life.stop(ctx, flow, out.stopReason, e.now())
		return err
	}
	return e.advance(ctx, flow, plan, stepNumber, out.extraDelay)
}

// advance completes the flow after its last step, or moves it to the next
// step and queues that step at now + extraDelay + the step's own delay.
func (e *Executor) advance(ctx context.Context, flow *domain.Flow, plan *Plan, stepNumber int, extraDelay time.Duration) error {
	now := e.now()
	if stepNumber >= plan.Len() {
		return e.life.complete(ctx, flow, stepNumber, now)
	}

	next, _ := plan.Step(stepNumber + 1)
	nextAt := now.Add(extraDelay + next.Delay)

	if err := e.flows.Advance(ctx, flow.ID, stepNumber, next.Number, nextAt); err != nil {
		if errors.Is(err, ErrFlowNotActive) {
			e.log.Debug("advance skipped, flow no longer active", "flow_id", flow.ID, "step", stepNumber)
			return nil
		}
		return fmt.Errorf("advance flow %s: %w", flow.ID, err)
	}

	if err := e.queue.Enqueue(ctx, stepItem(flow, next.Number, nextAt, now)); err != nil {
		// The flow already points at the next step. Retrying this item lets
		// the scheduler write the missing item.
		return fmt.Errorf("enqueue step %d of flow %s: %w", next.Number, flow.ID, err)
	}

	e.log.Debug("step done", "flow_id", flow.ID, "step", stepNumber, "next_step", next.Number, "next_at", nextAt)
	return nil
}
