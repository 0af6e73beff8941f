package domain

import "time"

// FlowStatus enumerates the states a flow can be in. Completed and stopped
// are terminal.
type FlowStatus string

const (
	FlowActive    FlowStatus = "active"
	FlowCompleted FlowStatus = "completed"
	FlowStopped   FlowStatus = "stopped"
)

// IsTerminal reports whether no transition leaves s.
func (s FlowStatus) IsTerminal() bool {
	return s == FlowCompleted || s == FlowStopped
}

// Flow is one subscriber's execution of one automation. CurrentStep is the
// step that is pending or executing; zero means no step has been reached yet.
type Flow struct {
	ID           string     `json:"id" db:"id"`
	AutomationID string     `json:"automation_id" db:"automation_id"`
	SubscriberID string     `json:"subscriber_id" db:"subscriber_id"`
	CurrentStep  int        `json:"current_step" db:"current_step"`
	Status       FlowStatus `json:"status" db:"status"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	NextActionAt *time.Time `json:"next_action_at" db:"next_action_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
	StopReason   string     `json:"stop_reason,omitempty" db:"stop_reason"`

	// Context is the trigger-time snapshot of subscriber attributes merged
	// with the trigger payload. It is never rewritten after creation.
	Context map[string]any `json:"context" db:"context"`
	// Payload is the raw trigger payload, kept so that it keeps precedence
	// over live subscriber data when conditions are re-evaluated.
	Payload map[string]any `json:"payload" db:"payload"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FlowRef identifies the (automation, subscriber) pair a flow belongs to.
type FlowRef struct {
	AutomationID string `json:"automation_id"`
	SubscriberID string `json:"subscriber_id"`
}

// Ref returns the flow's (automation, subscriber) pair.
func (f *Flow) Ref() FlowRef {
	return FlowRef{AutomationID: f.AutomationID, SubscriberID: f.SubscriberID}
}

// IsActive reports whether the flow can still make progress.
func (f *Flow) IsActive() bool { return f.Status == FlowActive }
