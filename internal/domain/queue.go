package domain

import (
	"fmt"
	"time"
)

// QueueItem is a time-gated unit of work: run Step of flow FlowID at or after
// NotBefore.
type QueueItem struct {
	ID           string     `json:"id" db:"id"`
	FlowID       string     `json:"flow_id" db:"flow_id"`
	AutomationID string     `json:"automation_id" db:"automation_id"`
	SubscriberID string     `json:"subscriber_id" db:"subscriber_id"`
	Step         int        `json:"step" db:"step"`
	NotBefore    time.Time  `json:"not_before" db:"not_before"`
	Attempts     int        `json:"attempts" db:"attempts"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimedBy    string     `json:"claimed_by,omitempty" db:"claimed_by"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Ref returns the (automation, subscriber) pair the item works on.
func (q *QueueItem) Ref() FlowRef {
	return FlowRef{AutomationID: q.AutomationID, SubscriberID: q.SubscriberID}
}

// StepItemID is the queue item id for step of flowID. Every scheduling path
// uses it, so queueing the same step twice yields one item.
func StepItemID(flowID string, step int) string {
	return fmt.Sprintf("%s:%d", flowID, step)
}
