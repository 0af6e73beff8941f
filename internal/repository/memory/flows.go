package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// Flows implements automation.FlowStore. The active index holds at most one
// flow id per (automation, subscriber).
type Flows struct {
	mu     sync.Mutex
	byID   map[string]*domain.Flow
	active map[domain.FlowRef]string
}

// NewFlows returns an empty flow store.
func NewFlows() *Flows {
	return &Flows{
		byID:   make(map[string]*domain.Flow),
		active: make(map[domain.FlowRef]string),
	}
}

func (s *Flows) CreateActive(_ context.Context, f *domain.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := f.Ref()
	if _, exists := s.active[ref]; exists {
		return automation.ErrActiveFlowExists
	}
	stored := cloneFlow(f)
	stored.Status = domain.FlowActive
	s.byID[f.ID] = stored
	s.active[ref] = f.ID
	return nil
}

func (s *Flows) Get(_ context.Context, id string) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	if !ok {
		return nil, automation.ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

func (s *Flows) GetActive(_ context.Context, ref domain.FlowRef) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[ref]
	if !ok {
		return nil, automation.ErrFlowNotFound
	}
	return cloneFlow(s.byID[id]), nil
}

func (s *Flows) Advance(_ context.Context, id string, fromStep, toStep int, nextActionAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	if !ok || f.Status != domain.FlowActive || f.CurrentStep != fromStep {
		return automation.ErrFlowNotActive
	}
	f.CurrentStep = toStep
	at := nextActionAt
	f.NextActionAt = &at
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Flows) Complete(_ context.Context, id string, atStep int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	if !ok || f.Status != domain.FlowActive || f.CurrentStep != atStep {
		return automation.ErrFlowNotActive
	}
	f.Status = domain.FlowCompleted
	f.CompletedAt = &at
	f.NextActionAt = nil
	f.UpdatedAt = at
	delete(s.active, f.Ref())
	return nil
}

func (s *Flows) Stop(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	if !ok {
		return false, automation.ErrFlowNotFound
	}
	if f.Status != domain.FlowActive {
		return false, nil
	}
	f.Status = domain.FlowStopped
	f.StoppedAt = &at
	f.StopReason = reason
	f.NextActionAt = nil
	f.UpdatedAt = at
	delete(s.active, f.Ref())
	return true, nil
}

func (s *Flows) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Flow
	for _, id := range s.active {
		f := s.byID[id]
		if f.NextActionAt != nil && f.NextActionAt.Before(cutoff) {
			out = append(out, cloneFlow(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextActionAt.Before(*out[j].NextActionAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Flows) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, f := range s.byID {
		var ended *time.Time
		switch f.Status {
		case domain.FlowCompleted:
			ended = f.CompletedAt
		case domain.FlowStopped:
			ended = f.StoppedAt
		}
		if ended != nil && ended.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// All returns every stored flow. Tests use it to assert on history.
func (s *Flows) All() []*domain.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Flow, 0, len(s.byID))
	for _, f := range s.byID {
		out = append(out, cloneFlow(f))
	}
	return out
}

func cloneFlow(f *domain.Flow) *domain.Flow {
	c := *f
	c.Context = cloneMap(f.Context)
	c.Payload = cloneMap(f.Payload)
	c.NextActionAt = cloneTime(f.NextActionAt)
	c.CompletedAt = cloneTime(f.CompletedAt)
	c.StoppedAt = cloneTime(f.StoppedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
