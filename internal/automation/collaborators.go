package automation

import (
	"context"

	"github.com/ignite/flow-engine/internal/domain"
)

// SubscriberDirectory resolves subscribers. Both lookups return (nil, nil)
// when the subscriber does not exist.
type SubscriberDirectory interface {
	FindByID(ctx context.Context, id string) (*domain.Subscriber, error)
	FindByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
}

// MailGateway hands a send intent to the mail transport. It returns an error
// wrapping ErrTemplateNotFound when templateID does not exist.
type MailGateway interface {
	Send(ctx context.Context, sub *domain.Subscriber, templateID string, data map[string]any) error
}

// WebhookDispatcher posts a JSON payload to an outside URL.
type WebhookDispatcher interface {
	Post(ctx context.Context, url string, payload map[string]any) error
}

// AudienceService mutates tags and segment membership.
type AudienceService interface {
	AddTag(ctx context.Context, subscriberID, tag string) error
	AddToSegment(ctx context.Context, subscriberID, segmentID string) error
	RemoveFromSegment(ctx context.Context, subscriberID, segmentID string) error
}
