package events

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// SQSAPI is the subset of the SQS client the consumer needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls an SQS queue of trigger events. Messages are deleted
// once handled or when they can never succeed; anything else is left for
// SQS to redeliver after the visibility timeout.
type Consumer struct {
	client   SQSAPI
	queueURL string
	handler  Handler
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *logger.Logger

	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// NewConsumer creates an SQS consumer for queueURL.
func NewConsumer(client SQSAPI, queueURL string, handler Handler) *Consumer {
	return &Consumer{
		client:       client,
		queueURL:     queueURL,
		handler:      handler,
		now:          time.Now,
		done:         make(chan struct{}),
		log:          logger.With("component", "sqs_consumer", "queue", queueURL),
		ErrorBackoff: 5 * time.Second,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.log.Info("sqs consumer started")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop ends polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.log.Info("sqs consumer stopped")
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("sqs receive failed", "error", err)
			select {
			case <-time.After(c.ErrorBackoff):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, msg.Body, msg.ReceiptHandle)
		}
	}
}

// handle processes one message body and reports whether it was deleted.
func (c *Consumer) handle(ctx context.Context, body, receipt *string) bool {
	ev, err := Decode([]byte(aws.ToString(body)), c.now())
	if err != nil {
		c.log.Warn("dropping malformed event", "error", err)
		c.delete(ctx, receipt)
		return true
	}

	flows, err := c.handler.HandleEvent(ctx, ev)
	if err != nil {
		if Discardable(err) {
			c.log.Warn("dropping event", "event", ev.Name, "event_id", ev.ID, "error", err)
			c.delete(ctx, receipt)
			return true
		}
		c.log.Error("event handling failed, leaving for redelivery", "event", ev.Name, "event_id", ev.ID, "error", err)
		return false
	}

	c.log.Debug("event handled", "event", ev.Name, "event_id", ev.ID, "flows_started", len(flows))
	c.delete(ctx, receipt)
	return true
}

func (c *Consumer) delete(ctx context.Context, receipt *string) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receipt,
	}); err != nil {
		c.log.Warn("sqs delete failed", "error", err)
	}
}
