package automation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/repository/memory"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	SubscriberID string
	TemplateID   string
	Data         map[string]any
}

type fakeMail struct {
	mu   sync.Mutex
	sent []sentMail
	// fail, when set, decides the error for each send.
	fail func(templateID string) error
}

func (m *fakeMail) Send(_ context.Context, sub *domain.Subscriber, templateID string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(templateID); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, sentMail{SubscriberID: sub.ID, TemplateID: templateID, Data: data})
	return nil
}

func (m *fakeMail) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type posted struct {
	URL     string
	Payload map[string]any
}

type fakeWebhooks struct {
	mu    sync.Mutex
	posts []posted
}

func (w *fakeWebhooks) Post(_ context.Context, url string, payload map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.posts = append(w.posts, posted{URL: url, Payload: payload})
	return nil
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	defs     *memory.Definitions
	flows    *memory.Flows
	queue    *memory.Queue
	subs     *memory.Subscribers
	mail     *fakeMail
	webhooks *fakeWebhooks
	engine   *automation.Engine
}

func newHarness(t *testing.T, cfg automation.Config, defs ...*domain.Automation) *harness {
	t.Helper()
	return newHarnessWithQueue(t, cfg, nil, defs...)
}

// newHarnessWithQueue lets a test put a wrapper in front of the memory
// queue. h.queue stays the underlying store.
func newHarnessWithQueue(t *testing.T, cfg automation.Config, wrap func(*memory.Queue) automation.Queue, defs ...*domain.Automation) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    newClock(),
		defs:     memory.NewDefinitions(defs...),
		flows:    memory.NewFlows(),
		queue:    memory.NewQueue(),
		subs:     memory.NewSubscribers(),
		mail:     &fakeMail{},
		webhooks: &fakeWebhooks{},
	}
	var queue automation.Queue = h.queue
	if wrap != nil {
		queue = wrap(h.queue)
	}
	engine, err := automation.NewEngine(automation.Deps{
		Definitions: h.defs,
		Flows:       h.flows,
		Queue:       queue,
		Subscribers: h.subs,
		Mail:        h.mail,
		Webhooks:    h.webhooks,
		Audience:    h.subs,
		Now:         h.clock.Now,
	}, cfg)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) addSubscriber(id string, score float64) *domain.Subscriber {
	sub := &domain.Subscriber{
		ID:              id,
		Email:           id + "@example.com",
		FirstName:       "Sam",
		Status:          domain.SubscriberConfirmed,
		EngagementScore: score,
		CustomFields:    map[string]any{"country": "US"},
	}
	h.subs.Put(sub)
	return sub
}

// drain processes every due item and returns how many were handled.
func (h *harness) drain() int {
	h.t.Helper()
	n := 0
	for {
		ok, err := h.engine.ProcessNext(context.Background())
		require.NoError(h.t, err)
		if !ok {
			return n
		}
		n++
		require.Less(h.t, n, 1000, "queue does not drain")
	}
}

func (h *harness) flow(id string) *domain.Flow {
	h.t.Helper()
	f, err := h.flows.Get(context.Background(), id)
	require.NoError(h.t, err)
	return f
}

func (h *harness) automation(id string) *domain.Automation {
	h.t.Helper()
	a, err := h.defs.Get(context.Background(), id)
	require.NoError(h.t, err)
	return a
}

func step(order int, typ domain.ActionType, delay int, payload map[string]any, conds ...domain.Condition) domain.ActionStep {
	return domain.ActionStep{Order: order, Type: typ, DelayMinutes: delay, Payload: payload, Conditions: conds}
}

func def(id, trigger string, steps ...domain.ActionStep) *domain.Automation {
	return &domain.Automation{
		ID:          id,
		Name:        fmt.Sprintf("automation %s", id),
		Status:      domain.AutomationActive,
		TriggerType: trigger,
		Steps:       steps,
	}
}

func email(template string) map[string]any { return map[string]any{"template_id": template} }
