package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/ignite/flow-engine/internal/domain"
)

// Subscribers implements automation.SubscriberDirectory and
// automation.AudienceService. Tag changes are written onto the stored
// subscriber so later conditions see them.
type Subscribers struct {
	mu       sync.RWMutex
	byID     map[string]*domain.Subscriber
	byEmail  map[string]string
	segments map[string]map[string]bool
}

// NewSubscribers returns a directory seeded with subs.
func NewSubscribers(subs ...*domain.Subscriber) *Subscribers {
	s := &Subscribers{
		byID:     make(map[string]*domain.Subscriber),
		byEmail:  make(map[string]string),
		segments: make(map[string]map[string]bool),
	}
	for _, sub := range subs {
		s.Put(sub)
	}
	return s
}

// Put inserts or replaces a subscriber.
func (s *Subscribers) Put(sub *domain.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sub.ID] = cloneSubscriber(sub)
	s.byEmail[strings.ToLower(sub.Email)] = sub.ID
}

func (s *Subscribers) FindByID(_ context.Context, id string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneSubscriber(sub), nil
}

func (s *Subscribers) FindByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return cloneSubscriber(s.byID[id]), nil
}

func (s *Subscribers) AddTag(_ context.Context, subscriberID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[subscriberID]
	if !ok || sub.HasTag(tag) {
		return nil
	}
	sub.Tags = append(sub.Tags, tag)
	return nil
}

func (s *Subscribers) AddToSegment(_ context.Context, subscriberID, segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.segments[segmentID]
	if !ok {
		members = make(map[string]bool)
		s.segments[segmentID] = members
	}
	members[subscriberID] = true
	return nil
}

func (s *Subscribers) RemoveFromSegment(_ context.Context, subscriberID, segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments[segmentID], subscriberID)
	return nil
}

// InSegment reports segment membership.
func (s *Subscribers) InSegment(subscriberID, segmentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments[segmentID][subscriberID]
}

func cloneSubscriber(sub *domain.Subscriber) *domain.Subscriber {
	c := *sub
	c.CustomFields = cloneMap(sub.CustomFields)
	c.Tags = append([]string(nil), sub.Tags...)
	return &c
}
