package automation

import (
	"context"
	"time"

	"github.com/ignite/flow-engine/internal/domain"
)

// DefinitionStore reads automation definitions. The engine only writes usage
// counters; Save exists for the CLI and tests.
type DefinitionStore interface {
	// Get returns ErrAutomationNotFound when id is unknown.
	Get(ctx context.Context, id string) (*domain.Automation, error)
	ListActiveByTrigger(ctx context.Context, triggerType string) ([]*domain.Automation, error)
	Save(ctx context.Context, a *domain.Automation) error
	IncrementCounter(ctx context.Context, id string, counter domain.AutomationCounter) error
}

// FlowStore persists flows. Every transition is conditional so that
// concurrent workers and stop requests cannot move a flow backwards.
type FlowStore interface {
	// CreateActive inserts f unless an active flow already exists for the
	// same (automation, subscriber), in which case it returns
	// ErrActiveFlowExists. The check and insert are atomic.
	CreateActive(ctx context.Context, f *domain.Flow) error
	// Get returns ErrFlowNotFound when id is unknown.
	Get(ctx context.Context, id string) (*domain.Flow, error)
	// GetActive returns the active flow for ref or ErrFlowNotFound.
	GetActive(ctx context.Context, ref domain.FlowRef) (*domain.Flow, error)
	// Advance moves an active flow from fromStep to toStep. It returns
	// ErrFlowNotActive if the flow is terminal or not at fromStep.
	Advance(ctx context.Context, id string, fromStep, toStep int, nextActionAt time.Time) error
	// Complete marks an active flow at atStep completed, or ErrFlowNotActive.
	Complete(ctx context.Context, id string, atStep int, at time.Time) error
	// Stop marks an active flow stopped. changed is false when the flow was
	// already terminal.
	Stop(ctx context.Context, id, reason string, at time.Time) (changed bool, err error)
	// ListOverdue returns up to limit active flows whose next action was
	// due before cutoff, oldest first.
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Flow, error)
	// DeleteTerminalBefore removes completed and stopped flows whose terminal
	// timestamp is older than cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queue is the delay-capable work queue feeding the scheduler.
type Queue interface {
	// Enqueue inserts item. An item with the same ID that is already queued
	// is left untouched and Enqueue returns nil.
	Enqueue(ctx context.Context, item *domain.QueueItem) error
	// Claim hides and returns the due item with the smallest NotBefore, or
	// nil when nothing is due. claimToken is stored as ClaimedBy and must be
	// unique per claim.
	Claim(ctx context.Context, now time.Time, claimToken string) (*domain.QueueItem, error)
	// Ack deletes a processed item if it is still held by item.ClaimedBy,
	// otherwise it returns ErrClaimLost.
	Ack(ctx context.Context, item *domain.QueueItem) error
	// Retry releases a claimed item with Attempts+1 and a new NotBefore. It
	// returns ErrClaimLost under the same rule as Ack.
	Retry(ctx context.Context, item *domain.QueueItem, notBefore time.Time, lastErr string) error
	// RecoverStale releases items claimed before olderThan with Attempts+1.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
}
