package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

// DefinitionRepo implements automation.DefinitionStore against PostgreSQL.
type DefinitionRepo struct{ db *sql.DB }

// NewDefinitionRepo creates a Postgres-backed definition store.
func NewDefinitionRepo(db *sql.DB) *DefinitionRepo { return &DefinitionRepo{db: db} }

const automationColumns = `id, name, description, status, trigger_type, trigger_conditions, steps,
	total_triggered, total_completed, total_stopped, created_at, updated_at`

func (r *DefinitionRepo) Get(ctx context.Context, id string) (*domain.Automation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, automation.ErrAutomationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get automation %s: %w", id, err)
	}
	return a, nil
}

func (r *DefinitionRepo) ListActiveByTrigger(ctx context.Context, triggerType string) ([]*domain.Automation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+automationColumns+`
		FROM automations
		WHERE status = 'active' AND trigger_type = $1
		ORDER BY id
	`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *DefinitionRepo) Save(ctx context.Context, a *domain.Automation) error {
	conds, err := json.Marshal(nonNilConditions(a.TriggerConditions))
	if err != nil {
		return fmt.Errorf("encode trigger conditions: %w", err)
	}
	steps := a.Steps
	if steps == nil {
		steps = []domain.ActionStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automations (id, name, description, status, trigger_type, trigger_conditions, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = $2, description = $3, status = $4, trigger_type = $5,
			trigger_conditions = $6, steps = $7, updated_at = NOW()
	`, a.ID, a.Name, a.Description, string(a.Status), a.TriggerType, conds, stepsJSON)
	if err != nil {
		return fmt.Errorf("save automation %s: %w", a.ID, err)
	}
	return nil
}

func (r *DefinitionRepo) IncrementCounter(ctx context.Context, id string, counter domain.AutomationCounter) error {
	var column string
	switch counter {
	case domain.CounterTriggered:
		column = "total_triggered"
	case domain.CounterCompleted:
		column = "total_completed"
	case domain.CounterStopped:
		column = "total_stopped"
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE automations SET `+column+` = `+column+` + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return automation.ErrAutomationNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAutomation(s scanner) (*domain.Automation, error) {
	var (
		a         domain.Automation
		status    string
		condsJSON []byte
		stepsJSON []byte
	)
	if err := s.Scan(&a.ID, &a.Name, &a.Description, &status, &a.TriggerType, &condsJSON, &stepsJSON,
		&a.TotalTriggered, &a.TotalCompleted, &a.TotalStopped, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AutomationStatus(status)
	if len(condsJSON) > 0 {
		if err := json.Unmarshal(condsJSON, &a.TriggerConditions); err != nil {
			return nil, fmt.Errorf("decode trigger conditions: %w", err)
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &a.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	}
	return &a, nil
}

func nonNilConditions(c []domain.Condition) []domain.Condition {
	if c == nil {
		return []domain.Condition{}
	}
	return c
}
