package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// Templates is an in-memory email template store.
type Templates struct {
	mu   sync.RWMutex
	byID map[string]domain.EmailTemplate
}

// NewTemplates returns a store seeded with tpls.
func NewTemplates(tpls ...*domain.EmailTemplate) *Templates {
	s := &Templates{byID: make(map[string]domain.EmailTemplate)}
	for _, t := range tpls {
		s.byID[t.ID] = *t
	}
	return s
}

func (s *Templates) GetTemplate(_ context.Context, id string) (*domain.EmailTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, automation.ErrTemplateNotFound)
	}
	return &t, nil
}

func (s *Templates) SaveTemplate(_ context.Context, t *domain.EmailTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[t.ID] = *t
	return nil
}
