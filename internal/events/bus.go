package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// Topic carries trigger events on the in-process bus.
const Topic = "automation.events"

const metadataEventName = "event_name"

// Bus is an in-process event bus for components that emit triggers inside
// the worker (for example the HTTP API). Messages are handled at most once:
// they are acked even when handling fails, and failures are logged.
type Bus struct {
	pubsub *gochannel.GoChannel
	now    func() time.Time
	log    *logger.Logger
}

// NewBus creates a bus backed by a watermill gochannel.
func NewBus(buffer int64) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, NewWatermillLogger()),
		now:    time.Now,
		log:    logger.With("component", "event_bus"),
	}
}

// Publish puts ev on the bus.
func (b *Bus) Publish(_ context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataEventName, ev.TriggerName())
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers bus events to h until ctx is done or the bus is closed.
// The returned channel is closed when delivery stops.
func (b *Bus) Subscribe(ctx context.Context, h Handler) (<-chan struct{}, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Topic, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			b.deliver(ctx, msg, h)
			msg.Ack()
		}
	}()
	return done, nil
}

func (b *Bus) deliver(ctx context.Context, msg *message.Message, h Handler) {
	ev, err := Decode(msg.Payload, b.now())
	if err != nil {
		b.log.Warn("dropping malformed event", "message_id", msg.UUID, "error", err)
		return
	}
	flows, err := h.HandleEvent(ctx, ev)
	if err != nil {
		b.log.Warn("event handling failed", "event", ev.Name, "event_id", ev.ID, "error", err)
		return
	}
	b.log.Debug("event handled", "event", ev.Name, "event_id", ev.ID, "flows_started", len(flows))
}

// Close stops all subscriptions.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
