package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/flow-engine/internal/condition"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// ReasonEnqueueFailed is recorded on flows whose first step could not be
// queued.
const ReasonEnqueueFailed = "enqueue failed"

// Initiator creates flows and schedules their first step.
type Initiator struct {
	flows FlowStore
	queue Queue
	life  *lifecycle
	now   func() time.Time
	log   *logger.Logger
}

// NewInitiator wires an Initiator. now may be nil.
func NewInitiator(flows FlowStore, queue Queue, defs DefinitionStore, now func() time.Time) *Initiator {
	log := logger.With("component", "initiator")
	return &Initiator{
		flows: flows,
		queue: queue,
		life:  &lifecycle{flows: flows, defs: defs, log: log},
		now:   clockOrDefault(now),
		log:   log,
	}
}

// Start creates an active flow at step 0 for sub, freezing the merged
// subscriber and payload context, then moves it to step 1 and queues that
// step after its delay. A plan without steps completes at once. It returns
// ErrActiveFlowExists when the subscriber is already in the automation.
func (in *Initiator) Start(ctx context.Context, plan *Plan, sub *domain.Subscriber, payload map[string]any) (*domain.Flow, error) {
	now := in.now()
	flow := &domain.Flow{
		ID:           uuid.New().String(),
		AutomationID: plan.AutomationID,
		SubscriberID: sub.ID,
		CurrentStep:  0,
		Status:       domain.FlowActive,
		StartedAt:    now,
		NextActionAt: &now,
		Context:      condition.Merge(sub.Attributes(), payload),
		Payload:      condition.Merge(payload),
		UpdatedAt:    now,
	}

	if err := in.flows.CreateActive(ctx, flow); err != nil {
		return nil, err
	}
	in.life.count(ctx, plan.AutomationID, domain.CounterTriggered)
	in.log.Info("flow started", "flow_id", flow.ID, "automation_id", plan.AutomationID,
		"subscriber_id", sub.ID, "steps", plan.Len())

	if plan.Len() == 0 {
		if err := in.life.complete(ctx, flow, 0, now); err != nil {
			return nil, fmt.Errorf("complete empty flow %s: %w", flow.ID, err)
		}
		flow.Status = domain.FlowCompleted
		flow.CompletedAt = &now
		return flow, nil
	}

	first, _ := plan.Step(1)
	nextAt := now.Add(first.Delay)
	if err := in.flows.Advance(ctx, flow.ID, 0, 1, nextAt); err != nil {
		if errors.Is(err, ErrFlowNotActive) {
			// Stopped between create and advance.
			return flow, nil
		}
		in.abort(ctx, flow, now, err)
		return nil, fmt.Errorf("advance flow %s: %w", flow.ID, err)
	}
	flow.CurrentStep = 1
	flow.NextActionAt = &nextAt

	if err := in.queue.Enqueue(ctx, stepItem(flow, 1, nextAt, now)); err != nil {
		in.abort(ctx, flow, now, err)
		return nil, fmt.Errorf("enqueue step 1 of flow %s: %w", flow.ID, err)
	}
	return flow, nil
}

// abort stops a flow that could not be scheduled so that it does not sit
// active with no queued work.
func (in *Initiator) abort(ctx context.Context, flow *domain.Flow, at time.Time, cause error) {
	in.log.Error("scheduling first step failed", "flow_id", flow.ID, "error", cause)
	if _, err := in.life.stop(ctx, flow, ReasonEnqueueFailed, at); err != nil {
		in.log.Error("stop after enqueue failure failed", "flow_id", flow.ID, "error", err)
	}
}

func clockOrDefault(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return func() time.Time { return time.Now().UTC() }
}
