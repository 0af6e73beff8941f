package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/pkg/httpretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ automation.WebhookDispatcher = (*Dispatcher)(nil)

func noSleep(*http.Request, time.Duration) error { return nil }

func newTestDispatcher(secret string) *Dispatcher {
	client := httpretry.NewRetryClient(http.DefaultClient, httpretry.Options{MaxRetries: 2, Sleep: noSleep})
	return NewDispatcherWithClient(client, Options{Secret: secret})
}

func TestDispatcher_PostSignsAndSends(t *testing.T) {
	var got map[string]any
	var sig, delivery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		sig = r.Header.Get(HeaderSignature)
		delivery = r.Header.Get(HeaderDelivery)
		assert.Equal(t, "sha256="+Sign([]byte("s3cret"), body), sig)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := newTestDispatcher("s3cret").Post(context.Background(), srv.URL, map[string]any{"event": "automation.step", "step": 2})
	require.NoError(t, err)
	assert.Equal(t, "automation.step", got["event"])
	assert.Equal(t, float64(2), got["step"])
	assert.NotEmpty(t, delivery)
}

func TestDispatcher_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
		calls     int32
	}{
		{"ok", http.StatusOK, false, false, 1},
		{"bad request is permanent", http.StatusBadRequest, true, true, 1},
		{"gone is permanent", http.StatusGone, true, true, 1},
		{"unavailable retried then transient", http.StatusServiceUnavailable, true, false, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := newTestDispatcher("").Post(context.Background(), srv.URL, map[string]any{"k": "v"})
			if !tt.wantErr {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.permanent, automation.IsPermanent(err))
			}
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestDispatcher_BadURLIsPermanent(t *testing.T) {
	err := newTestDispatcher("").Post(context.Background(), "://nope", nil)
	require.Error(t, err)
	assert.True(t, automation.IsPermanent(err))
}
