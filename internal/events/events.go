// Package events feeds inbound trigger events into the automation engine.
// Events arrive over SQS or an in-process watermill bus; both decode the same
// JSON shape (domain.Event) and hand it to a Handler.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// Handler consumes a decoded event. *automation.Engine satisfies it.
type Handler interface {
	HandleEvent(ctx context.Context, ev domain.Event) ([]*domain.Flow, error)
}

// Decode parses an event body and fills in a missing id and timestamp.
func Decode(body []byte, now time.Time) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", automation.ErrInvalidEvent, err)
	}
	if ev.TriggerName() == "" {
		return ev, fmt.Errorf("%w: name is required", automation.ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now.UTC()
	}
	return ev, nil
}

// Discardable reports whether a handler error means redelivering the event
// cannot help.
func Discardable(err error) bool {
	return errors.Is(err, automation.ErrInvalidEvent) || automation.IsPermanent(err)
}
