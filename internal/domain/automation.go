package domain

import "time"

// AutomationStatus enumerates the lifecycle states of an automation definition.
type AutomationStatus string

const (
	AutomationDraft    AutomationStatus = "draft"
	AutomationActive   AutomationStatus = "active"
	AutomationInactive AutomationStatus = "inactive"
)

// IsValid reports whether s is a known automation status.
func (s AutomationStatus) IsValid() bool {
	switch s {
	case AutomationDraft, AutomationActive, AutomationInactive:
		return true
	default:
		return false
	}
}

// ActionType identifies what an automation step does when it runs.
type ActionType string

const (
	ActionSendEmail ActionType = "send_email"
	ActionWait      ActionType = "wait"
	ActionCondition ActionType = "condition"
	ActionTag       ActionType = "tag"
	ActionSegment   ActionType = "segment"
	ActionWebhook   ActionType = "webhook"
)

// ActionTypes lists every action type the engine knows how to execute.
var ActionTypes = []ActionType{
	ActionSendEmail, ActionWait, ActionCondition, ActionTag, ActionSegment, ActionWebhook,
}

// IsValid reports whether t is a known action type.
func (t ActionType) IsValid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operator is a comparison used by trigger and step conditions.
type Operator string

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpContains     Operator = "contains"
	OpNotContains  Operator = "not_contains"
	OpStartsWith   Operator = "starts_with"
	OpEndsWith     Operator = "ends_with"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpGreaterEqual Operator = "greater_equal"
	OpLessEqual    Operator = "less_equal"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpBetween      Operator = "between"
	OpIsNull       Operator = "is_null"
	OpIsNotNull    Operator = "is_not_null"
)

// Condition is a single (field, operator, value) test. Trigger conditions and
// step conditions share this shape.
type Condition struct {
	Field    string   `json:"field" yaml:"field" db:"field"`
	Operator Operator `json:"operator" yaml:"operator" db:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty" db:"value"`
}

// ActionStep is one ordered unit of work inside an automation. Payload is kept
// as the user-authored key/value map; the engine compiles it into typed actions
// before use.
type ActionStep struct {
	Order        int            `json:"order" yaml:"order" db:"step_order"`
	Type         ActionType     `json:"type" yaml:"type" db:"action_type"`
	Payload      map[string]any `json:"payload,omitempty" yaml:"payload,omitempty" db:"payload"`
	DelayMinutes int            `json:"delay_minutes" yaml:"delay_minutes" db:"delay_minutes"`
	Conditions   []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty" db:"conditions"`
}

// Delay returns the step's pre-execution delay as a duration.
func (s ActionStep) Delay() time.Duration {
	if s.DelayMinutes <= 0 {
		return 0
	}
	return time.Duration(s.DelayMinutes) * time.Minute
}

// Automation is a named trigger plus an ordered list of action steps.
type Automation struct {
	ID                string           `json:"id" yaml:"id" db:"id"`
	Name              string           `json:"name" yaml:"name" db:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty" db:"description"`
	Status            AutomationStatus `json:"status" yaml:"status" db:"status"`
	TriggerType       string           `json:"trigger_type" yaml:"trigger_type" db:"trigger_type"`
	TriggerConditions []Condition      `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty" db:"trigger_conditions"`
	Steps             []ActionStep     `json:"steps" yaml:"steps" db:"steps"`

	TotalTriggered int `json:"total_triggered" yaml:"-" db:"total_triggered"`
	TotalCompleted int `json:"total_completed" yaml:"-" db:"total_completed"`
	TotalStopped   int `json:"total_stopped" yaml:"-" db:"total_stopped"`

	CreatedAt time.Time `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-" db:"updated_at"`
}

// StepCount returns the number of steps in the automation.
func (a *Automation) StepCount() int { return len(a.Steps) }

// AutomationCounter names a usage counter kept on an automation.
type AutomationCounter string

const (
	CounterTriggered AutomationCounter = "triggered"
	CounterCompleted AutomationCounter = "completed"
	CounterStopped   AutomationCounter = "stopped"
)
