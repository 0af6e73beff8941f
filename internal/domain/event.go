package domain

import (
	"strings"
	"time"
)

// BehavioralPrefix marks trigger types fired by behavioral tracking signals.
const BehavioralPrefix = "behavioral:"

// Well-known trigger names emitted by the storefront and subscriber services.
const (
	TriggerSubscriberCreated = "subscriber.created"
	TriggerCartAbandoned     = "cart.abandoned"
	TriggerOrderPlaced       = "order.placed"
)

// BehavioralTrigger returns the trigger type for a behavioral event name.
func BehavioralTrigger(name string) string {
	if strings.HasPrefix(name, BehavioralPrefix) {
		return name
	}
	return BehavioralPrefix + name
}

// Event is an inbound trigger delivered by an upstream component. Either
// SubscriberID or Email identifies the subscriber.
type Event struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	Behavioral   bool           `json:"behavioral,omitempty"`
	SubscriberID string         `json:"subscriber_id,omitempty"`
	Email        string         `json:"email,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at,omitempty"`
}

// TriggerName returns the trigger type the event should be matched against.
func (e Event) TriggerName() string {
	name := strings.TrimSpace(e.Name)
	if e.Behavioral {
		return BehavioralTrigger(name)
	}
	return name
}
