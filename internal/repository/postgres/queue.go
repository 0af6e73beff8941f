package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// QueueRepo implements automation.Queue on the automation_queue table.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never pick the
// same row.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a Postgres-backed queue.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

const queueColumns = `id, flow_id, automation_id, subscriber_id, step, not_before,
	attempts, claimed_at, claimed_by, last_error, created_at`

func (r *QueueRepo) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	created := item.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_queue
			(id, flow_id, automation_id, subscriber_id, step, not_before, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.FlowID, item.AutomationID, item.SubscriberID, item.Step, item.NotBefore,
		item.Attempts, item.LastError, created)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	return nil
}

func (r *QueueRepo) Claim(ctx context.Context, now time.Time, claimToken string) (*domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE automation_queue
		SET claimed_at = $1, claimed_by = $2
		WHERE id = (
			SELECT id FROM automation_queue
			WHERE claimed_at IS NULL AND not_before <= $1
			ORDER BY not_before, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, now, claimToken)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return item, nil
}

func (r *QueueRepo) Ack(ctx context.Context, item *domain.QueueItem) error {
	if item.ClaimedBy == "" {
		return automation.ErrClaimLost
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM automation_queue WHERE id = $1 AND claimed_by = $2`, item.ID, item.ClaimedBy)
	if err != nil {
		return fmt.Errorf("ack %s: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return automation.ErrClaimLost
	}
	return nil
}

func (r *QueueRepo) Retry(ctx context.Context, item *domain.QueueItem, notBefore time.Time, lastErr string) error {
	if item.ClaimedBy == "" {
		return automation.ErrClaimLost
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET attempts = $2, not_before = $3, last_error = $4, claimed_at = NULL, claimed_by = ''
		WHERE id = $1 AND claimed_by = $5
	`, item.ID, item.Attempts+1, notBefore, lastErr, item.ClaimedBy)
	if err != nil {
		return fmt.Errorf("retry %s: %w", item.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return automation.ErrClaimLost
	}
	return nil
}

func (r *QueueRepo) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET claimed_at = NULL,
		    claimed_by = '',
		    attempts = attempts + 1,
		    last_error = CASE WHEN last_error = '' THEN 'claim expired' ELSE last_error END
		WHERE claimed_at IS NOT NULL AND claimed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanQueueItem(s scanner) (*domain.QueueItem, error) {
	var (
		it        domain.QueueItem
		claimedAt sql.NullTime
	)
	if err := s.Scan(&it.ID, &it.FlowID, &it.AutomationID, &it.SubscriberID, &it.Step, &it.NotBefore,
		&it.Attempts, &claimedAt, &it.ClaimedBy, &it.LastError, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.ClaimedAt = nullTime(claimedAt)
	return &it, nil
}
