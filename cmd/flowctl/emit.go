package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/events"
	"github.com/ignite/flow-engine/internal/pkg/httpretry"
)

func newEmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "emit",
		Usage: "Send a trigger event to the engine over HTTP or SQS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Trigger name", Required: true},
			&cli.BoolFlag{Name: "behavioral", Usage: "Mark the event as behavioural"},
			&cli.StringFlag{Name: "subscriber-id", Usage: "Subscriber id"},
			&cli.StringFlag{Name: "email", Usage: "Subscriber email, used when no id is given"},
			&cli.StringFlag{Name: "payload", Usage: "JSON object merged into the flow context", Value: "{}"},
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "Engine API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("FLOW_API_URL"),
			},
			&cli.StringFlag{Name: "api-key", Usage: "Engine API key", Sources: cli.EnvVars("FLOW_API_KEY")},
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "Publish to this SQS queue instead of the API",
				Sources: cli.EnvVars("SQS_QUEUE_URL"),
			},
			&cli.StringFlag{Name: "region", Usage: "AWS region for SQS", Value: "us-west-2", Sources: cli.EnvVars("AWS_REGION")},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ev, err := buildEvent(command)
			if err != nil {
				return err
			}
			out := command.Root().Writer

			if queueURL := command.String("queue-url"); queueURL != "" {
				awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(command.String("region")))
				if err != nil {
					return fmt.Errorf("load AWS config: %w", err)
				}
				id, err := events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), queueURL).Publish(ctx, ev)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "queued event %s as message %s\n", ev.ID, id)
				return nil
			}

			client := httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, httpretry.Options{MaxRetries: 2})
			body, err := postEvent(ctx, client, command.String("api-url"), command.String("api-key"), ev)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func buildEvent(command *cli.Command) (domain.Event, error) {
	ev := domain.Event{
		ID:           uuid.NewString(),
		Name:         command.String("name"),
		Behavioral:   command.Bool("behavioral"),
		SubscriberID: command.String("subscriber-id"),
		Email:        command.String("email"),
		OccurredAt:   time.Now().UTC(),
	}
	if ev.SubscriberID == "" && ev.Email == "" {
		return ev, fmt.Errorf("emit: --subscriber-id or --email is required")
	}
	if err := json.Unmarshal([]byte(command.String("payload")), &ev.Payload); err != nil {
		return ev, fmt.Errorf("emit: --payload must be a JSON object: %w", err)
	}
	return ev, nil
}

func postEvent(ctx context.Context, client httpretry.HTTPDoer, baseURL, apiKey string, ev domain.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(baseURL, "/") + "/api/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("post event: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
