package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/flow-engine/internal/domain"
	"github.com/lib/pq"
)

// SubscriberRepo implements automation.SubscriberDirectory and
// automation.AudienceService. Lookups return (nil, nil) for unknown
// subscribers.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

const subscriberColumns = `id, email, first_name, last_name, status, custom_fields, tags,
	engagement_score, total_emails_received, total_opens, total_clicks,
	last_open_at, last_click_at, last_email_at, subscribed_at, created_at, updated_at`

func (r *SubscriberRepo) FindByID(ctx context.Context, id string) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id)
	return r.find(row)
}

func (r *SubscriberRepo) FindByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE LOWER(email) = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return r.find(row)
}

func (r *SubscriberRepo) find(row *sql.Row) (*domain.Subscriber, error) {
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subscriber: %w", err)
	}
	return sub, nil
}

// Upsert inserts or replaces a subscriber's profile fields.
func (r *SubscriberRepo) Upsert(ctx context.Context, sub *domain.Subscriber) error {
	fields, err := encodeMap(sub.CustomFields)
	if err != nil {
		return fmt.Errorf("encode custom fields: %w", err)
	}
	tags := sub.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscribers (id, email, first_name, last_name, status, custom_fields, tags, engagement_score, subscribed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = $2, first_name = $3, last_name = $4, status = $5,
			custom_fields = $6, tags = $7, engagement_score = $8, updated_at = NOW()
	`, sub.ID, sub.Email, sub.FirstName, sub.LastName, string(sub.Status), fields, pq.Array(tags),
		sub.EngagementScore, nullableTime(sub.SubscribedAt))
	if err != nil {
		return fmt.Errorf("upsert subscriber %s: %w", sub.ID, err)
	}
	return nil
}

// AddTag appends tag unless the subscriber already carries it in any case.
func (r *SubscriberRepo) AddTag(ctx context.Context, subscriberID, tag string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscribers
		SET tags = array_append(tags, $2), updated_at = NOW()
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM unnest(tags) t WHERE LOWER(t) = LOWER($2))
	`, subscriberID, tag)
	if err != nil {
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) AddToSegment(ctx context.Context, subscriberID, segmentID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO segment_members (segment_id, subscriber_id, added_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (segment_id, subscriber_id) DO NOTHING
	`, segmentID, subscriberID)
	if err != nil {
		return fmt.Errorf("add to segment: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) RemoveFromSegment(ctx context.Context, subscriberID, segmentID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM segment_members WHERE segment_id = $1 AND subscriber_id = $2`,
		segmentID, subscriberID)
	if err != nil {
		return fmt.Errorf("remove from segment: %w", err)
	}
	return nil
}

func scanSubscriber(s scanner) (*domain.Subscriber, error) {
	var (
		sub                            domain.Subscriber
		status                         string
		fields                         []byte
		tags                           pq.StringArray
		lastOpen, lastClick, lastEmail sql.NullTime
	)
	if err := s.Scan(&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &status, &fields, &tags,
		&sub.EngagementScore, &sub.TotalEmailsReceived, &sub.TotalOpens, &sub.TotalClicks,
		&lastOpen, &lastClick, &lastEmail, &sub.SubscribedAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriberStatus(status)
	sub.Tags = []string(tags)
	sub.LastOpenAt = nullTime(lastOpen)
	sub.LastClickAt = nullTime(lastClick)
	sub.LastEmailAt = nullTime(lastEmail)

	var err error
	if sub.CustomFields, err = decodeMap(fields); err != nil {
		return nil, fmt.Errorf("decode custom fields: %w", err)
	}
	return &sub, nil
}
