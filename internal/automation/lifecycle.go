package automation

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// lifecycle applies terminal transitions and keeps the automation's usage
// counters in step with them. Counter failures are logged, never returned.
type lifecycle struct {
	flows FlowStore
	defs  DefinitionStore
	log   *logger.Logger
}

func (l *lifecycle) count(ctx context.Context, automationID string, c domain.AutomationCounter) {
	if err := l.defs.IncrementCounter(ctx, automationID, c); err != nil {
		l.log.Warn("increment counter failed", "automation_id", automationID, "counter", string(c), "error", err)
	}
}

// stop stops the flow if it is still active. A flow that already reached a
// terminal state is left alone.
func (l *lifecycle) stop(ctx context.Context, f *domain.Flow, reason string, at time.Time) (bool, error) {
	changed, err := l.flows.Stop(ctx, f.ID, reason, at)
	if err != nil {
		return false, err
	}
	if changed {
		l.count(ctx, f.AutomationID, domain.CounterStopped)
		l.log.Info("flow stopped", "flow_id", f.ID, "automation_id", f.AutomationID,
			"subscriber_id", f.SubscriberID, "step", f.CurrentStep, "reason", reason)
	}
	return changed, nil
}

// complete marks the flow completed at step. Losing the race against a
// concurrent stop is not an error.
func (l *lifecycle) complete(ctx context.Context, f *domain.Flow, step int, at time.Time) error {
	err := l.flows.Complete(ctx, f.ID, step, at)
	if errors.Is(err, ErrFlowNotActive) {
		l.log.Debug("complete skipped, flow no longer active", "flow_id", f.ID, "step", step)
		return nil
	}
	if err != nil {
		return err
	}
	l.count(ctx, f.AutomationID, domain.CounterCompleted)
	l.log.Info("flow completed", "flow_id", f.ID, "automation_id", f.AutomationID, "subscriber_id", f.SubscriberID)
	return nil
}

// stepItem builds the queue item that runs step of f at notBefore.
func stepItem(f *domain.Flow, step int, notBefore, now time.Time) *domain.QueueItem {
	return &domain.QueueItem{
		ID:           domain.StepItemID(f.ID, step),
		FlowID:       f.ID,
		AutomationID: f.AutomationID,
		SubscriberID: f.SubscriberID,
		Step:         step,
		NotBefore:    notBefore,
		CreatedAt:    now,
	}
}
