// Package memory holds in-process implementations of the engine's stores.
// They back single-node runs with queue_backend "memory" and the engine
// tests. Every method is safe for concurrent use and returns copies, so
// callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// Definitions implements automation.DefinitionStore.
type Definitions struct {
	mu   sync.RWMutex
	byID map[string]*domain.Automation
}

// NewDefinitions returns an empty store seeded with defs.
func NewDefinitions(defs ...*domain.Automation) *Definitions {
	d := &Definitions{byID: make(map[string]*domain.Automation)}
	for _, a := range defs {
		d.byID[a.ID] = cloneAutomation(a)
	}
	return d
}

func (d *Definitions) Get(_ context.Context, id string) (*domain.Automation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byID[id]
	if !ok {
		return nil, automation.ErrAutomationNotFound
	}
	return cloneAutomation(a), nil
}

// ListActiveByTrigger returns matching automations ordered by id.
func (d *Definitions) ListActiveByTrigger(_ context.Context, triggerType string) ([]*domain.Automation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*domain.Automation
	for _, a := range d.byID {
		if a.Status == domain.AutomationActive && a.TriggerType == triggerType {
			out = append(out, cloneAutomation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Definitions) Save(_ context.Context, a *domain.Automation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	stored := cloneAutomation(a)
	if prev, ok := d.byID[a.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.TotalTriggered = prev.TotalTriggered
		stored.TotalCompleted = prev.TotalCompleted
		stored.TotalStopped = prev.TotalStopped
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	d.byID[a.ID] = stored
	return nil
}

func (d *Definitions) IncrementCounter(_ context.Context, id string, c domain.AutomationCounter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.byID[id]
	if !ok {
		return automation.ErrAutomationNotFound
	}
	switch c {
	case domain.CounterTriggered:
		a.TotalTriggered++
	case domain.CounterCompleted:
		a.TotalCompleted++
	case domain.CounterStopped:
		a.TotalStopped++
	}
	return nil
}

func cloneAutomation(a *domain.Automation) *domain.Automation {
	c := *a
	c.TriggerConditions = append([]domain.Condition(nil), a.TriggerConditions...)
	c.Steps = make([]domain.ActionStep, len(a.Steps))
	for i, s := range a.Steps {
		s.Payload = cloneMap(s.Payload)
		s.Conditions = append([]domain.Condition(nil), s.Conditions...)
		c.Steps[i] = s
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
