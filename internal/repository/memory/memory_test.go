package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ automation.DefinitionStore     = (*Definitions)(nil)
	_ automation.FlowStore           = (*Flows)(nil)
	_ automation.Queue               = (*Queue)(nil)
	_ automation.SubscriberDirectory = (*Subscribers)(nil)
	_ automation.AudienceService     = (*Subscribers)(nil)
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newFlow(id string) *domain.Flow {
	return &domain.Flow{ID: id, AutomationID: "a1", SubscriberID: "s1", Status: domain.FlowActive, StartedAt: t0}
}

func TestFlows_CreateActiveIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewFlows()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, dup := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateActive(ctx, newFlow(string(rune('A'+i))))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else {
				assert.ErrorIs(t, err, automation.ErrActiveFlowExists)
				dup++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 49, dup)
}

func TestFlows_TransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	s := NewFlows()
	require.NoError(t, s.CreateActive(ctx, newFlow("f1")))

	require.NoError(t, s.Advance(ctx, "f1", 0, 1, t0))
	assert.ErrorIs(t, s.Advance(ctx, "f1", 0, 1, t0), automation.ErrFlowNotActive, "stale fromStep")
	assert.ErrorIs(t, s.Complete(ctx, "f1", 2, t0), automation.ErrFlowNotActive)

	changed, err := s.Stop(ctx, "f1", "manual", t0)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Stop(ctx, "f1", "again", t0)
	require.NoError(t, err)
	assert.False(t, changed, "stop is idempotent")

	f, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FlowStopped, f.Status)
	assert.Equal(t, "manual", f.StopReason)
	assert.Equal(t, 1, f.CurrentStep)

	assert.ErrorIs(t, s.Advance(ctx, "f1", 1, 2, t0), automation.ErrFlowNotActive)
	_, err = s.GetActive(ctx, f.Ref())
	assert.ErrorIs(t, err, automation.ErrFlowNotFound)

	// Terminal flows do not block re-entry.
	require.NoError(t, s.CreateActive(ctx, newFlow("f2")))
}

func TestFlows_DeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	s := NewFlows()
	require.NoError(t, s.CreateActive(ctx, newFlow("old")))
	require.NoError(t, s.Complete(ctx, "old", 0, t0.AddDate(0, 0, -100)))
	f := newFlow("recent")
	f.SubscriberID = "s2"
	require.NoError(t, s.CreateActive(ctx, f))
	_, err := s.Stop(ctx, "recent", "x", t0)
	require.NoError(t, err)
	a := newFlow("active")
	a.SubscriberID = "s3"
	require.NoError(t, s.CreateActive(ctx, a))

	n, err := s.DeleteTerminalBefore(ctx, t0.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, s.All(), 2)
}

func TestQueue_ClaimOrderAndVisibility(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "late", NotBefore: t0.Add(time.Hour)}))
	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "b", NotBefore: t0.Add(-time.Minute)}))
	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "a", NotBefore: t0.Add(-2 * time.Minute)}))

	first, err := q.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "w1", first.ClaimedBy)

	it, err := q.Claim(ctx, t0, "w2")
	require.NoError(t, err)
	assert.Equal(t, "b", it.ID)

	it, err = q.Claim(ctx, t0, "w3")
	require.NoError(t, err)
	assert.Nil(t, it, "late item is not due and the rest are claimed")

	require.NoError(t, q.Ack(ctx, first))
	assert.Len(t, q.Items(), 2)
}

func TestQueue_EnqueueKeepsExistingItem(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "f1:2", Step: 2, NotBefore: t0}))
	it, err := q.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	require.NotNil(t, it)

	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "f1:2", Step: 2, NotBefore: t0.Add(time.Hour)}))

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "w1", items[0].ClaimedBy, "existing claim survives")
	assert.True(t, items[0].NotBefore.Equal(t0))
}

func TestQueue_RetryAndRecover(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "i1", NotBefore: t0}))

	it, err := q.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, it, t0.Add(time.Minute), "smtp down"))

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "smtp down", items[0].LastError)
	assert.Nil(t, items[0].ClaimedAt)

	it, err = q.Claim(ctx, t0.Add(time.Minute), "w1")
	require.NoError(t, err)
	require.NotNil(t, it)

	n, err := q.RecoverStale(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claimed exactly at the cutoff is not stale")

	n, err = q.RecoverStale(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Items()[0].Attempts)

	assert.ErrorIs(t, q.Retry(ctx, &domain.QueueItem{ID: "nope", ClaimedBy: "w1"}, t0, ""), automation.ErrClaimLost)
}

func TestQueue_RecoveredClaimBelongsToNewHolder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	require.NoError(t, q.Enqueue(ctx, &domain.QueueItem{ID: "i1", NotBefore: t0}))

	slow, err := q.Claim(ctx, t0, "w1/a")
	require.NoError(t, err)
	_, err = q.RecoverStale(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	fast, err := q.Claim(ctx, t0.Add(10*time.Minute), "w2/b")
	require.NoError(t, err)
	require.NotNil(t, fast)

	assert.ErrorIs(t, q.Ack(ctx, slow), automation.ErrClaimLost)
	assert.ErrorIs(t, q.Retry(ctx, slow, t0.Add(time.Hour), "late"), automation.ErrClaimLost)
	require.Len(t, q.Items(), 1)
	assert.Equal(t, "w2/b", q.Items()[0].ClaimedBy)

	require.NoError(t, q.Ack(ctx, fast))
	assert.Empty(t, q.Items())
	assert.ErrorIs(t, q.Ack(ctx, fast), automation.ErrClaimLost, "double ack")
}

func TestFlows_ListOverdue(t *testing.T) {
	ctx := context.Background()
	s := NewFlows()
	at := func(d time.Duration) *time.Time { v := t0.Add(d); return &v }

	old := newFlow("old")
	old.NextActionAt = at(-time.Hour)
	older := newFlow("older")
	older.SubscriberID = "s2"
	older.NextActionAt = at(-2 * time.Hour)
	future := newFlow("future")
	future.SubscriberID = "s3"
	future.NextActionAt = at(time.Hour)
	done := newFlow("done")
	done.SubscriberID = "s4"
	done.NextActionAt = at(-3 * time.Hour)
	for _, f := range []*domain.Flow{old, older, future, done} {
		require.NoError(t, s.CreateActive(ctx, f))
	}
	_, err := s.Stop(ctx, "done", "x", t0)
	require.NoError(t, err)

	list, err := s.ListOverdue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "older", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	list, err = s.ListOverdue(ctx, t0, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDefinitions_ListAndCounters(t *testing.T) {
	ctx := context.Background()
	d := NewDefinitions(
		&domain.Automation{ID: "b", Status: domain.AutomationActive, TriggerType: "cart.abandoned"},
		&domain.Automation{ID: "a", Status: domain.AutomationActive, TriggerType: "cart.abandoned"},
		&domain.Automation{ID: "c", Status: domain.AutomationDraft, TriggerType: "cart.abandoned"},
		&domain.Automation{ID: "d", Status: domain.AutomationActive, TriggerType: "order.placed"},
	)

	list, err := d.ListActiveByTrigger(ctx, "cart.abandoned")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	require.NoError(t, d.IncrementCounter(ctx, "a", domain.CounterTriggered))
	require.NoError(t, d.IncrementCounter(ctx, "a", domain.CounterCompleted))
	a, err := d.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.TotalTriggered)
	assert.Equal(t, 1, a.TotalCompleted)

	_, err = d.Get(ctx, "zzz")
	assert.ErrorIs(t, err, automation.ErrAutomationNotFound)
}

func TestSubscribers_LookupAndAudience(t *testing.T) {
	ctx := context.Background()
	s := NewSubscribers(&domain.Subscriber{ID: "s1", Email: "Jane@Example.com"})

	sub, err := s.FindByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "s1", sub.ID)

	missing, err := s.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.AddTag(ctx, "s1", "vip"))
	require.NoError(t, s.AddTag(ctx, "s1", "VIP"))
	sub, _ = s.FindByID(ctx, "s1")
	assert.Equal(t, []string{"vip"}, sub.Tags)

	require.NoError(t, s.AddToSegment(ctx, "s1", "seg"))
	assert.True(t, s.InSegment("s1", "seg"))
	require.NoError(t, s.RemoveFromSegment(ctx, "s1", "seg"))
	assert.False(t, s.InSegment("s1", "seg"))
}
