package automation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyQueue fails the Enqueue calls listed in failOn (1-based), either with
// an error or a panic.
type flakyQueue struct {
	*memory.Queue
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
	panics bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	q.mu.Lock()
	q.calls++
	fail := q.failOn[q.calls]
	q.mu.Unlock()
	if fail {
		if q.panics {
			panic("queue connection reset")
		}
		return errors.New("queue unavailable")
	}
	return q.Queue.Enqueue(ctx, item)
}

func TestNextStepEnqueueFailureIsRepaired(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
	}{
		{"error", false},
		{"panic", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessWithQueue(t, automation.Config{}, func(q *memory.Queue) automation.Queue {
				return &flakyQueue{Queue: q, failOn: map[int]bool{2: true}, panics: tt.panics}
			}, def("two", "signup",
				step(1, domain.ActionSendEmail, 0, email("first")),
				step(2, domain.ActionSendEmail, 0, email("second")),
			))
			sub := h.addSubscriber("s1", 0)
			ctx := context.Background()

			flows, err := h.engine.OnEvent(ctx, "signup", sub, nil)
			require.NoError(t, err)
			require.Len(t, flows, 1)

			assert.Equal(t, 1, h.drain())
			f := h.flow(flows[0].ID)
			assert.Equal(t, domain.FlowActive, f.Status)
			assert.Equal(t, 2, f.CurrentStep)
			items := h.queue.Items()
			require.Len(t, items, 1, "step 1 item is kept for a retry")
			assert.Equal(t, 1, items[0].Step)

			h.clock.Advance(time.Hour)
			assert.Equal(t, 2, h.drain())

			f = h.flow(flows[0].ID)
			assert.Equal(t, domain.FlowCompleted, f.Status)
			assert.Empty(t, h.queue.Items())
			require.Len(t, h.mail.Sent(), 2, "step 1 is not sent twice")
			assert.Equal(t, "second", h.mail.Sent()[1].TemplateID)
			assert.Equal(t, int64(1), h.engine.Stats().Requeued)

			again, err := h.engine.OnEvent(ctx, "signup", sub, nil)
			require.NoError(t, err)
			assert.Len(t, again, 1, "completed flow does not block re-entry")
		})
	}
}

func TestRecoverRequeuesFlowWithoutQueueItem(t *testing.T) {
	h := newHarness(t, automation.Config{StaleClaimAfter: 5 * time.Minute}, def("r", "signup",
		step(1, domain.ActionSendEmail, 0, email("welcome"))))
	sub := h.addSubscriber("s1", 0)
	ctx := context.Background()

	flows, err := h.engine.OnEvent(ctx, "signup", sub, nil)
	require.NoError(t, err)

	// The item disappears while the flow still points at step 1.
	lost, err := h.queue.Claim(ctx, h.clock.Now(), "gone")
	require.NoError(t, err)
	require.NoError(t, h.queue.Ack(ctx, lost))
	require.Empty(t, h.queue.Items())

	h.clock.Advance(time.Minute)
	_, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.queue.Items(), "not overdue yet")

	h.clock.Advance(5 * time.Minute)
	_, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	items := h.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, domain.StepItemID(flows[0].ID, 1), items[0].ID)

	_, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, h.queue.Items(), 1, "a second sweep adds nothing")

	assert.Equal(t, 1, h.drain())
	assert.Len(t, h.mail.Sent(), 1)
	assert.Equal(t, domain.FlowCompleted, h.flow(flows[0].ID).Status)
}

func TestRecoverAdvancesFlowStuckBeforeFirstStep(t *testing.T) {
	h := newHarness(t, automation.Config{StaleClaimAfter: 5 * time.Minute}, def("r", "signup",
		step(1, domain.ActionSendEmail, 0, email("welcome"))))
	h.addSubscriber("s1", 0)
	ctx := context.Background()

	created := h.clock.Now()
	require.NoError(t, h.flows.CreateActive(ctx, &domain.Flow{
		ID: "f-stuck", AutomationID: "r", SubscriberID: "s1", StartedAt: created, NextActionAt: &created,
	}))

	h.clock.Advance(10 * time.Minute)
	_, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.flow("f-stuck").CurrentStep)

	assert.Equal(t, 1, h.drain())
	assert.Len(t, h.mail.Sent(), 1)
	assert.Equal(t, domain.FlowCompleted, h.flow("f-stuck").Status)
}

// stealingQueue hands the claimed item to another worker just before the
// first ack, as a stale-claim sweep would.
type stealingQueue struct {
	*memory.Queue
	clock  *fakeClock
	mu     sync.Mutex
	stolen *domain.QueueItem
}

func (q *stealingQueue) Ack(ctx context.Context, item *domain.QueueItem) error {
	q.mu.Lock()
	if q.stolen == nil {
		if _, err := q.Queue.RecoverStale(ctx, q.clock.Now().Add(time.Hour)); err != nil {
			q.mu.Unlock()
			return err
		}
		q.stolen, _ = q.Queue.Claim(ctx, q.clock.Now(), "other-worker")
	}
	q.mu.Unlock()
	return q.Queue.Ack(ctx, item)
}

func TestLostClaimIsLeftToNewHolder(t *testing.T) {
	// The clock never moves in this test, so a separate one reads the same
	// time as the harness clock.
	var sq *stealingQueue
	h := newHarnessWithQueue(t, automation.Config{}, func(q *memory.Queue) automation.Queue {
		sq = &stealingQueue{Queue: q, clock: newClock()}
		return sq
	}, def("l", "signup", step(1, domain.ActionSendEmail, 0, email("welcome"))))
	sub := h.addSubscriber("s1", 0)
	ctx := context.Background()

	_, err := h.engine.OnEvent(ctx, "signup", sub, nil)
	require.NoError(t, err)

	ok, err := h.engine.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), h.engine.Stats().ClaimLost)

	items := h.queue.Items()
	require.Len(t, items, 1, "the late ack did not delete the other worker's item")
	assert.Equal(t, "other-worker", items[0].ClaimedBy)
	require.NotNil(t, sq.stolen)
	require.NoError(t, h.queue.Ack(ctx, sq.stolen))
}
