package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/flow-engine/internal/pkg/logger"
)

type migration struct {
	version int
	name    string
	stmt    string
}

// migrations are applied in order inside one transaction each. Append only.
var migrations = []migration{
	{1, "automations", `
		CREATE TABLE IF NOT EXISTS automations (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			description        TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'draft',
			trigger_type       TEXT NOT NULL,
			trigger_conditions JSONB NOT NULL DEFAULT '[]',
			steps              JSONB NOT NULL DEFAULT '[]',
			total_triggered    INTEGER NOT NULL DEFAULT 0,
			total_completed    INTEGER NOT NULL DEFAULT 0,
			total_stopped      INTEGER NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_automations_active_trigger
			ON automations (trigger_type) WHERE status = 'active';`},
	{2, "automation_flows", `
		CREATE TABLE IF NOT EXISTS automation_flows (
			id             TEXT PRIMARY KEY,
			automation_id  TEXT NOT NULL,
			subscriber_id  TEXT NOT NULL,
			current_step   INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'active',
			started_at     TIMESTAMPTZ NOT NULL,
			next_action_at TIMESTAMPTZ,
			completed_at   TIMESTAMPTZ,
			stopped_at     TIMESTAMPTZ,
			stop_reason    TEXT NOT NULL DEFAULT '',
			context        JSONB NOT NULL DEFAULT '{}',
			payload        JSONB NOT NULL DEFAULT '{}',
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_automation_flows_active
			ON automation_flows (automation_id, subscriber_id) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_automation_flows_terminal
			ON automation_flows (COALESCE(completed_at, stopped_at)) WHERE status <> 'active';`},
	{3, "automation_queue", `
		CREATE TABLE IF NOT EXISTS automation_queue (
			id            TEXT PRIMARY KEY,
			flow_id       TEXT NOT NULL REFERENCES automation_flows(id) ON DELETE CASCADE,
			automation_id TEXT NOT NULL,
			subscriber_id TEXT NOT NULL,
			step          INTEGER NOT NULL,
			not_before    TIMESTAMPTZ NOT NULL,
			attempts      INTEGER NOT NULL DEFAULT 0,
			claimed_at    TIMESTAMPTZ,
			claimed_by    TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_automation_queue_due
			ON automation_queue (not_before, created_at) WHERE claimed_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_automation_queue_claimed
			ON automation_queue (claimed_at) WHERE claimed_at IS NOT NULL;`},
	{4, "subscribers", `
		CREATE TABLE IF NOT EXISTS subscribers (
			id                    TEXT PRIMARY KEY,
			email                 TEXT NOT NULL,
			first_name            TEXT NOT NULL DEFAULT '',
			last_name             TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL DEFAULT 'confirmed',
			custom_fields         JSONB NOT NULL DEFAULT '{}',
			tags                  TEXT[] NOT NULL DEFAULT '{}',
			engagement_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_emails_received INTEGER NOT NULL DEFAULT 0,
			total_opens           INTEGER NOT NULL DEFAULT 0,
			total_clicks          INTEGER NOT NULL DEFAULT 0,
			last_open_at          TIMESTAMPTZ,
			last_click_at         TIMESTAMPTZ,
			last_email_at         TIMESTAMPTZ,
			subscribed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_subscribers_email ON subscribers (LOWER(email));
		CREATE TABLE IF NOT EXISTS segment_members (
			segment_id    TEXT NOT NULL,
			subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
			added_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (segment_id, subscriber_id)
		);`},
	{5, "email_templates", `
		CREATE TABLE IF NOT EXISTS email_templates (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL DEFAULT '',
			subject      TEXT NOT NULL,
			html_content TEXT NOT NULL DEFAULT '',
			text_content TEXT NOT NULL DEFAULT '',
			from_name    TEXT NOT NULL DEFAULT '',
			from_email   TEXT NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{6, "automation_flows_overdue", `
		CREATE INDEX IF NOT EXISTS idx_automation_flows_next_action
			ON automation_flows (next_action_at) WHERE status = 'active';`},
}

// Migrate brings the schema up to date. Each version is recorded in
// schema_migrations so repeated runs are no-ops.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name,
		); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		logger.Info("migration applied", "version", m.version, "name", m.name)
		applied++
	}
	return applied, nil
}
