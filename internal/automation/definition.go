package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ignite/flow-engine/internal/condition"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/spf13/cast"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SendEmailAction is the typed payload of a send_email step.
type SendEmailAction struct {
	TemplateID string `json:"template_id" validate:"required"`
}

// WaitAction is the typed payload of a wait step.
type WaitAction struct {
	Minutes int `validate:"gte=0"`
}

// Duration returns the wait as a duration.
func (w *WaitAction) Duration() time.Duration {
	return time.Duration(w.Minutes) * time.Minute
}

// ConditionAction holds the conditions a condition step checks, combining
// the step's own conditions and any listed in its payload.
type ConditionAction struct {
	Conditions []domain.Condition `json:"conditions"`
}

// TagAction is the typed payload of a tag step.
type TagAction struct {
	Tag string `json:"tag" validate:"required"`
}

// Segment membership operations.
const (
	SegmentAdd    = "add"
	SegmentRemove = "remove"
)

// SegmentAction is the typed payload of a segment step. Op defaults to add.
type SegmentAction struct {
	SegmentID string `json:"segment_id" validate:"required"`
	Op        string `json:"action" validate:"omitempty,oneof=add remove"`
}

// WebhookAction is the typed payload of a webhook step.
type WebhookAction struct {
	URL  string         `json:"url" validate:"required,http_url"`
	Body map[string]any `json:"body"`
}

// Step is a compiled action step. Exactly one of the action pointers is set,
// matching Type.
type Step struct {
	Number     int
	Type       domain.ActionType
	Delay      time.Duration
	Conditions []domain.Condition

	SendEmail *SendEmailAction
	Wait      *WaitAction
	Condition *ConditionAction
	Tag       *TagAction
	Segment   *SegmentAction
	Webhook   *WebhookAction
}

// Plan is an automation compiled into typed steps, numbered 1..Len().
type Plan struct {
	AutomationID      string
	Name              string
	TriggerType       string
	TriggerConditions []domain.Condition
	Steps             []Step
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }

// Step returns step n (1-based).
func (p *Plan) Step(n int) (*Step, bool) {
	if n < 1 || n > len(p.Steps) {
		return nil, false
	}
	return &p.Steps[n-1], true
}

type definitionHeader struct {
	ID          string                  `validate:"required"`
	TriggerType string                  `validate:"required"`
	Status      domain.AutomationStatus `validate:"required,oneof=draft active inactive"`
}

// Compile validates a stored definition and turns its opaque step payloads
// into typed actions. Every error wraps ErrInvalidDefinition.
func Compile(a *domain.Automation) (*Plan, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil automation", ErrInvalidDefinition)
	}
	if err := validate.Struct(definitionHeader{ID: a.ID, TriggerType: a.TriggerType, Status: a.Status}); err != nil {
		return nil, invalid(a.ID, 0, describe(err))
	}
	if err := condition.ValidateAll(a.TriggerConditions); err != nil {
		return nil, invalid(a.ID, 0, "trigger "+err.Error())
	}

	ordered := make([]domain.ActionStep, len(a.Steps))
	copy(ordered, a.Steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	plan := &Plan{
		AutomationID:      a.ID,
		Name:              a.Name,
		TriggerType:       a.TriggerType,
		TriggerConditions: a.TriggerConditions,
		Steps:             make([]Step, 0, len(ordered)),
	}
	for i, raw := range ordered {
		if raw.Order != i+1 {
			return nil, invalid(a.ID, raw.Order, fmt.Sprintf("step orders must be contiguous from 1, found %d at position %d", raw.Order, i+1))
		}
		step, err := compileStep(raw)
		if err != nil {
			return nil, invalid(a.ID, raw.Order, err.Error())
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func compileStep(raw domain.ActionStep) (Step, error) {
	if raw.DelayMinutes < 0 {
		return Step{}, fmt.Errorf("negative delay_minutes %d", raw.DelayMinutes)
	}
	if err := condition.ValidateAll(raw.Conditions); err != nil {
		return Step{}, err
	}

	step := Step{
		Number:     raw.Order,
		Type:       raw.Type,
		Delay:      raw.Delay(),
		Conditions: raw.Conditions,
	}

	var err error
	switch raw.Type {
	case domain.ActionSendEmail:
		step.SendEmail, err = decodeAction[SendEmailAction](raw.Payload)
	case domain.ActionWait:
		step.Wait, err = decodeWait(raw.Payload)
	case domain.ActionCondition:
		step.Condition, err = decodeCondition(raw)
	case domain.ActionTag:
		step.Tag, err = decodeAction[TagAction](raw.Payload)
	case domain.ActionSegment:
		step.Segment, err = decodeAction[SegmentAction](raw.Payload)
		if err == nil && step.Segment.Op == "" {
			step.Segment.Op = SegmentAdd
		}
	case domain.ActionWebhook:
		step.Webhook, err = decodeAction[WebhookAction](raw.Payload)
	default:
		return Step{}, fmt.Errorf("unknown action type %q", raw.Type)
	}
	if err != nil {
		return Step{}, fmt.Errorf("%s payload: %w", raw.Type, err)
	}
	return step, nil
}

func decodeAction[T any](payload map[string]any) (*T, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if err := validate.Struct(&out); err != nil {
		return nil, errors.New(describe(err))
	}
	return &out, nil
}

// decodeWait accepts wait_minutes as a number or a numeric string since
// definitions are hand-written.
func decodeWait(payload map[string]any) (*WaitAction, error) {
	v, ok := payload["wait_minutes"]
	if !ok {
		return nil, errors.New("wait_minutes is required")
	}
	minutes, err := cast.ToIntE(v)
	if err != nil {
		return nil, fmt.Errorf("wait_minutes: %w", err)
	}
	w := &WaitAction{Minutes: minutes}
	if err := validate.Struct(w); err != nil {
		return nil, errors.New(describe(err))
	}
	return w, nil
}

func decodeCondition(raw domain.ActionStep) (*ConditionAction, error) {
	extra, err := decodeAction[ConditionAction](raw.Payload)
	if err != nil {
		return nil, err
	}
	if err := condition.ValidateAll(extra.Conditions); err != nil {
		return nil, err
	}
	all := make([]domain.Condition, 0, len(raw.Conditions)+len(extra.Conditions))
	all = append(all, raw.Conditions...)
	all = append(all, extra.Conditions...)
	return &ConditionAction{Conditions: all}, nil
}

func invalid(automationID string, step int, msg string) error {
	if step > 0 {
		return fmt.Errorf("%w: automation %s step %d: %s", ErrInvalidDefinition, automationID, step, msg)
	}
	return fmt.Errorf("%w: automation %s: %s", ErrInvalidDefinition, automationID, msg)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
