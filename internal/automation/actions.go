package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/flow-engine/internal/condition"
)

func missing(service string) error {
	return Permanent(fmt.Errorf("no %s configured", service))
}

func (e *Executor) sendEmail(ctx context.Context, req actionRequest) (outcome, error) {
	if e.mail == nil {
		return outcome{}, missing("mail gateway")
	}
	err := e.mail.Send(ctx, req.sub, req.step.SendEmail.TemplateID, req.data)
	if errors.Is(err, ErrTemplateNotFound) {
		return outcome{}, Permanent(err)
	}
	return outcome{}, err
}

func (e *Executor) wait(_ context.Context, req actionRequest) (outcome, error) {
	return outcome{extraDelay: req.step.Wait.Duration()}, nil
}

func (e *Executor) checkCondition(_ context.Context, req actionRequest) (outcome, error) {
	if condition.EvaluateAll(req.step.Condition.Conditions, req.data) {
		return outcome{}, nil
	}
	return outcome{
		stop:       true,
		stopReason: fmt.Sprintf("condition not met at step %d", req.step.Number),
	}, nil
}

func (e *Executor) tag(ctx context.Context, req actionRequest) (outcome, error) {
	if e.audience == nil {
		return outcome{}, missing("audience service")
	}
	return outcome{}, e.audience.AddTag(ctx, req.sub.ID, req.step.Tag.Tag)
}

func (e *Executor) segment(ctx context.Context, req actionRequest) (outcome, error) {
	if e.audience == nil {
		return outcome{}, missing("audience service")
	}
	s := req.step.Segment
	if s.Op == SegmentRemove {
		return outcome{}, e.audience.RemoveFromSegment(ctx, req.sub.ID, s.SegmentID)
	}
	return outcome{}, e.audience.AddToSegment(ctx, req.sub.ID, s.SegmentID)
}

func (e *Executor) webhook(ctx context.Context, req actionRequest) (outcome, error) {
	if e.webhooks == nil {
		return outcome{}, missing("webhook dispatcher")
	}
	payload := map[string]any{
		"event":         "automation.step",
		"automation_id": req.flow.AutomationID,
		"flow_id":       req.flow.ID,
		"subscriber_id": req.sub.ID,
		"email":         req.sub.Email,
		"step":          req.step.Number,
		"data":          req.step.Webhook.Body,
	}
	return outcome{}, e.webhooks.Post(ctx, req.step.Webhook.URL, payload)
}
