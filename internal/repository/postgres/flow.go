package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/lib/pq"
)

// FlowRepo implements automation.FlowStore against PostgreSQL. The partial
// unique index uq_automation_flows_active enforces one active flow per
// (automation, subscriber).
type FlowRepo struct{ db *sql.DB }

// NewFlowRepo creates a Postgres-backed flow store.
func NewFlowRepo(db *sql.DB) *FlowRepo { return &FlowRepo{db: db} }

const flowColumns = `id, automation_id, subscriber_id, current_step, status, started_at,
	next_action_at, completed_at, stopped_at, stop_reason, context, payload, updated_at`

// uniqueViolation is the SQLSTATE Postgres reports for a unique index conflict.
const uniqueViolation = "23505"

func (r *FlowRepo) CreateActive(ctx context.Context, f *domain.Flow) error {
	flowCtx, err := encodeMap(f.Context)
	if err != nil {
		return fmt.Errorf("encode flow context: %w", err)
	}
	payload, err := encodeMap(f.Payload)
	if err != nil {
		return fmt.Errorf("encode flow payload: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_flows
			(id, automation_id, subscriber_id, current_step, status, started_at, next_action_at, context, payload, updated_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $7, $8, NOW())
		ON CONFLICT (automation_id, subscriber_id) WHERE status = 'active' DO NOTHING
	`, f.ID, f.AutomationID, f.SubscriberID, f.CurrentStep, f.StartedAt, f.NextActionAt, flowCtx, payload)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return automation.ErrActiveFlowExists
		}
		return fmt.Errorf("create flow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return automation.ErrActiveFlowExists
	}
	return nil
}

func (r *FlowRepo) Get(ctx context.Context, id string) (*domain.Flow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM automation_flows WHERE id = $1`, id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, automation.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}
	return f, nil
}

func (r *FlowRepo) GetActive(ctx context.Context, ref domain.FlowRef) (*domain.Flow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM automation_flows
		WHERE automation_id = $1 AND subscriber_id = $2 AND status = 'active'
	`, ref.AutomationID, ref.SubscriberID)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, automation.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active flow: %w", err)
	}
	return f, nil
}

func (r *FlowRepo) Advance(ctx context.Context, id string, fromStep, toStep int, nextActionAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_flows
		SET current_step = $3, next_action_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND current_step = $2
	`, id, fromStep, toStep, nextActionAt)
	if err != nil {
		return fmt.Errorf("advance flow %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return automation.ErrFlowNotActive
	}
	return nil
}

func (r *FlowRepo) Complete(ctx context.Context, id string, atStep int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_flows
		SET status = 'completed', completed_at = $3, next_action_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'active' AND current_step = $2
	`, id, atStep, at)
	if err != nil {
		return fmt.Errorf("complete flow %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return automation.ErrFlowNotActive
	}
	return nil
}

func (r *FlowRepo) Stop(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_flows
		SET status = 'stopped', stopped_at = $3, stop_reason = $2, next_action_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("stop flow %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM automation_flows WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("stop flow %s: %w", id, err)
	}
	if !exists {
		return false, automation.ErrFlowNotFound
	}
	return false, nil
}

func (r *FlowRepo) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Flow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+flowColumns+`
		FROM automation_flows
		WHERE status = 'active' AND next_action_at < $1
		ORDER BY next_action_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue flows: %w", err)
	}
	defer rows.Close()

	var flows []*domain.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue flow: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (r *FlowRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM automation_flows
		WHERE status <> 'active' AND COALESCE(completed_at, stopped_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal flows: %w", err)
	}
	return res.RowsAffected()
}

func scanFlow(s scanner) (*domain.Flow, error) {
	var (
		f                domain.Flow
		status           string
		nextAt           sql.NullTime
		completedAt      sql.NullTime
		stoppedAt        sql.NullTime
		ctxJSON, payJSON []byte
	)
	if err := s.Scan(&f.ID, &f.AutomationID, &f.SubscriberID, &f.CurrentStep, &status, &f.StartedAt,
		&nextAt, &completedAt, &stoppedAt, &f.StopReason, &ctxJSON, &payJSON, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = domain.FlowStatus(status)
	f.NextActionAt = nullTime(nextAt)
	f.CompletedAt = nullTime(completedAt)
	f.StoppedAt = nullTime(stoppedAt)

	var err error
	if f.Context, err = decodeMap(ctxJSON); err != nil {
		return nil, fmt.Errorf("decode flow context: %w", err)
	}
	if f.Payload, err = decodeMap(payJSON); err != nil {
		return nil, fmt.Errorf("decode flow payload: %w", err)
	}
	return &f, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
