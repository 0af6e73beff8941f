// Package api exposes event intake and flow administration over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/httputil"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// Engine is what the handlers need from *automation.Engine.
type Engine interface {
	HandleEvent(ctx context.Context, ev domain.Event) ([]*domain.Flow, error)
	StopFlow(ctx context.Context, automationID, subscriberID, reason string) error
	GetFlow(ctx context.Context, id string) (*domain.Flow, error)
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	Stats() automation.SchedulerStats
}

// EventPublisher queues an event for asynchronous handling.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Handlers holds the HTTP handlers.
type Handlers struct {
	engine    Engine
	publisher EventPublisher
	now       func() time.Time
	log       *logger.Logger
}

// NewHandlers creates handlers. publisher may be nil, in which case async
// intake is unavailable.
func NewHandlers(engine Engine, publisher EventPublisher) *Handlers {
	return &Handlers{
		engine:    engine,
		publisher: publisher,
		now:       time.Now,
		log:       logger.With("component", "api"),
	}
}

// EventRequest is the body of POST /api/events.
type EventRequest struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	Behavioral   bool           `json:"behavioral,omitempty"`
	SubscriberID string         `json:"subscriber_id,omitempty"`
	Email        string         `json:"email,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   *time.Time     `json:"occurred_at,omitempty"`
}

// EventResponse reports what an event did.
type EventResponse struct {
	EventID      string   `json:"event_id"`
	Queued       bool     `json:"queued,omitempty"`
	FlowsStarted int      `json:"flows_started"`
	FlowIDs      []string `json:"flow_ids,omitempty"`
}

// HandleEvent ingests a trigger event. With ?async=true it is put on the
// event bus and answered with 202.
//
//	POST /api/events
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if req.SubscriberID == "" && req.Email == "" {
		httputil.BadRequest(w, "subscriber_id or email is required")
		return
	}

	ev := domain.Event{
		ID:           req.ID,
		Name:         req.Name,
		Behavioral:   req.Behavioral,
		SubscriberID: req.SubscriberID,
		Email:        req.Email,
		Payload:      req.Payload,
		OccurredAt:   h.now().UTC(),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}

	if r.URL.Query().Get("async") == "true" {
		if h.publisher == nil {
			httputil.Error(w, http.StatusServiceUnavailable, "unavailable", "async intake is not enabled")
			return
		}
		if err := h.publisher.Publish(r.Context(), ev); err != nil {
			httputil.InternalError(w, r, err)
			return
		}
		httputil.Accepted(w, EventResponse{EventID: ev.ID, Queued: true})
		return
	}

	flows, err := h.engine.HandleEvent(r.Context(), ev)
	switch {
	case errors.Is(err, automation.ErrInvalidEvent):
		httputil.BadRequest(w, err.Error())
		return
	case errors.Is(err, automation.ErrSubscriberNotFound):
		httputil.NotFound(w, "subscriber not found")
		return
	case err != nil && len(flows) == 0:
		httputil.InternalError(w, r, err)
		return
	case err != nil:
		h.log.Warn("event partially handled", "event", ev.Name, "event_id", ev.ID, "error", err)
	}

	resp := EventResponse{EventID: ev.ID, FlowsStarted: len(flows)}
	for _, f := range flows {
		resp.FlowIDs = append(resp.FlowIDs, f.ID)
	}
	httputil.OK(w, resp)
}

// StopRequest is the body of POST /api/flows/stop.
type StopRequest struct {
	AutomationID string `json:"automation_id"`
	SubscriberID string `json:"subscriber_id"`
	Reason       string `json:"reason,omitempty"`
}

// StopFlow stops a subscriber's active flow. Stopping a flow that is not
// active succeeds.
//
//	POST /api/flows/stop
func (h *Handlers) StopFlow(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.AutomationID == "" || req.SubscriberID == "" {
		httputil.BadRequest(w, "automation_id and subscriber_id are required")
		return
	}
	if err := h.engine.StopFlow(r.Context(), req.AutomationID, req.SubscriberID, req.Reason); err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// GetFlow returns one flow.
//
//	GET /api/flows/{id}
func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.engine.GetFlow(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, automation.ErrFlowNotFound) {
		httputil.NotFound(w, "flow not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	httputil.OK(w, flow)
}

// GetAutomation returns one automation definition with its counters.
//
//	GET /api/automations/{id}
func (h *Handlers) GetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, automation.ErrAutomationNotFound) {
		httputil.NotFound(w, "automation not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	httputil.OK(w, a)
}

// SchedulerStats reports worker counters.
//
//	GET /api/scheduler/stats
func (h *Handlers) SchedulerStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.engine.Stats())
}
