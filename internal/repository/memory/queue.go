package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// Queue implements automation.Queue.
type Queue struct {
	mu    sync.Mutex
	items map[string]*domain.QueueItem
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*domain.QueueItem)}
}

func (q *Queue) Enqueue(_ context.Context, item *domain.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[item.ID]; exists {
		return nil
	}
	c := *item
	c.ClaimedAt = nil
	c.ClaimedBy = ""
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q.items[c.ID] = &c
	return nil
}

// Claim picks the unclaimed due item with the smallest NotBefore; ties go to
// the oldest item.
func (q *Queue) Claim(_ context.Context, now time.Time, claimToken string) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *domain.QueueItem
	for _, it := range q.items {
		if it.ClaimedAt != nil || it.NotBefore.After(now) {
			continue
		}
		if best == nil || earlier(it, best) {
			best = it
		}
	}
	if best == nil {
		return nil, nil
	}
	at := now
	best.ClaimedAt = &at
	best.ClaimedBy = claimToken
	c := *best
	return &c, nil
}

func (q *Queue) Ack(_ context.Context, item *domain.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.held(item); !ok {
		return automation.ErrClaimLost
	}
	delete(q.items, item.ID)
	return nil
}

func (q *Queue) Retry(_ context.Context, item *domain.QueueItem, notBefore time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.held(item)
	if !ok {
		return automation.ErrClaimLost
	}
	it.Attempts = item.Attempts + 1
	it.NotBefore = notBefore
	it.LastError = lastErr
	it.ClaimedAt = nil
	it.ClaimedBy = ""
	return nil
}

func (q *Queue) RecoverStale(_ context.Context, olderThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.ClaimedAt != nil && it.ClaimedAt.Before(olderThan) {
			it.ClaimedAt = nil
			it.ClaimedBy = ""
			it.Attempts++
			if it.LastError == "" {
				it.LastError = "claim expired"
			}
			n++
		}
	}
	return n, nil
}

// held returns the stored item if it is still claimed by item.ClaimedBy.
func (q *Queue) held(item *domain.QueueItem) (*domain.QueueItem, bool) {
	it, ok := q.items[item.ID]
	if !ok || item.ClaimedBy == "" || it.ClaimedBy != item.ClaimedBy {
		return nil, false
	}
	return it, true
}

// Items returns the queued items ordered by NotBefore.
func (q *Queue) Items() []domain.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(&out[i], &out[j]) })
	return out
}

func earlier(a, b *domain.QueueItem) bool {
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
