package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/flow-engine/internal/condition"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// Matcher maps an incoming event to the active automations it should start.
type Matcher struct {
	defs      DefinitionStore
	flows     FlowStore
	initiator *Initiator
	log       *logger.Logger
}

// NewMatcher wires a Matcher.
func NewMatcher(defs DefinitionStore, flows FlowStore, initiator *Initiator) *Matcher {
	return &Matcher{
		defs:      defs,
		flows:     flows,
		initiator: initiator,
		log:       logger.With("component", "matcher"),
	}
}

// OnEvent starts a flow for sub in every active automation triggered by
// eventName whose trigger conditions hold. Automations the subscriber is
// already active in are skipped silently, as are definitions that fail to
// compile. Candidates are independent; a failure on one does not prevent the
// others from starting, and the failures are returned joined.
func (m *Matcher) OnEvent(ctx context.Context, eventName string, sub *domain.Subscriber, payload map[string]any) ([]*domain.Flow, error) {
	if sub == nil {
		return nil, ErrSubscriberNotFound
	}
	candidates, err := m.defs.ListActiveByTrigger(ctx, eventName)
	if err != nil {
		return nil, fmt.Errorf("list automations for %q: %w", eventName, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	evalCtx := condition.Merge(sub.Attributes(), payload)

	var started []*domain.Flow
	var errs []error
	for _, a := range candidates {
		plan, err := Compile(a)
		if err != nil {
			m.log.Warn("skipping invalid automation", "automation_id", a.ID, "error", err)
			continue
		}

		if _, err := m.flows.GetActive(ctx, domain.FlowRef{AutomationID: a.ID, SubscriberID: sub.ID}); err == nil {
			m.log.Debug("subscriber already active in automation", "automation_id", a.ID, "subscriber_id", sub.ID)
			continue
		} else if !errors.Is(err, ErrFlowNotFound) {
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
			continue
		}

		if !condition.EvaluateAll(plan.TriggerConditions, evalCtx) {
			m.log.Debug("trigger conditions not met", "automation_id", a.ID, "subscriber_id", sub.ID)
			continue
		}

		flow, err := m.initiator.Start(ctx, plan, sub, payload)
		switch {
		case errors.Is(err, ErrActiveFlowExists):
			m.log.Debug("duplicate trigger ignored", "automation_id", a.ID, "subscriber_id", sub.ID)
		case err != nil:
			m.log.Error("start flow failed", "automation_id", a.ID, "subscriber_id", sub.ID, "error", err)
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
		default:
			started = append(started, flow)
		}
	}
	return started, errors.Join(errs...)
}
