// Package webhook posts automation step payloads to subscriber-configured
// URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/pkg/httpretry"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

const (
	HeaderDelivery  = "X-Flow-Delivery"
	HeaderSignature = "X-Flow-Signature"

	defaultUserAgent = "flow-engine-webhook/1.0"
)

// Options configures a Dispatcher.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	// Secret, when set, signs each body with HMAC-SHA256 in HeaderSignature.
	Secret    string
	UserAgent string
}

// Dispatcher implements automation.WebhookDispatcher.
type Dispatcher struct {
	client    httpretry.HTTPDoer
	secret    []byte
	userAgent string
	log       *logger.Logger
}

// NewDispatcher builds a dispatcher over a retrying HTTP client.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := httpretry.NewRetryClient(&http.Client{Timeout: opts.Timeout}, httpretry.Options{MaxRetries: opts.MaxRetries})
	return NewDispatcherWithClient(client, opts)
}

// NewDispatcherWithClient uses client as-is.
func NewDispatcherWithClient(client httpretry.HTTPDoer, opts Options) *Dispatcher {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Dispatcher{
		client:    client,
		secret:    []byte(opts.Secret),
		userAgent: ua,
		log:       logger.With("component", "webhook"),
	}
}

// Post sends payload as JSON. Any 2xx is success. Statuses the retry client
// treats as retryable come back as transient errors; every other status is
// permanent.
func (d *Dispatcher) Post(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return automation.Permanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return automation.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	delivery := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderDelivery, delivery)
	if len(d.secret) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+Sign(d.secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("webhook failed", "url", url, "delivery", delivery, "error", err)
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	d.log.Debug("webhook delivered", "url", url, "delivery", delivery,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case httpretry.Retryable(resp.StatusCode):
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	default:
		return automation.Permanent(fmt.Errorf("webhook %s: status %d", url, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
