package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ automation.DefinitionStore     = (*DefinitionRepo)(nil)
	_ automation.FlowStore           = (*FlowRepo)(nil)
	_ automation.Queue               = (*QueueRepo)(nil)
	_ automation.SubscriberDirectory = (*SubscriberRepo)(nil)
	_ automation.AudienceService     = (*SubscriberRepo)(nil)
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

var flowCols = []string{"id", "automation_id", "subscriber_id", "current_step", "status", "started_at",
	"next_action_at", "completed_at", "stopped_at", "stop_reason", "context", "payload", "updated_at"}

var queueCols = []string{"id", "flow_id", "automation_id", "subscriber_id", "step", "not_before",
	"attempts", "claimed_at", "claimed_by", "last_error", "created_at"}

func TestFlowRepo_CreateActive(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewFlowRepo(db)
	f := &domain.Flow{ID: "f1", AutomationID: "a1", SubscriberID: "s1", StartedAt: now,
		Context: map[string]any{"cart_value": 80.0}}

	mock.ExpectExec("INSERT INTO automation_flows").
		WithArgs("f1", "a1", "s1", 0, now, nil, []byte(`{"cart_value":80}`), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.CreateActive(context.Background(), f))

	mock.ExpectExec("ON CONFLICT \\(automation_id, subscriber_id\\) WHERE status = 'active' DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.CreateActive(context.Background(), f), automation.ErrActiveFlowExists)

	mock.ExpectExec("INSERT INTO automation_flows").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	assert.ErrorIs(t, repo.CreateActive(context.Background(), f), automation.ErrActiveFlowExists)
}

func TestFlowRepo_GetDecodesRow(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewFlowRepo(db)
	next := now.Add(time.Hour)

	mock.ExpectQuery("FROM automation_flows WHERE id = \\$1").
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows(flowCols).AddRow(
			"f1", "a1", "s1", 2, "active", now, next, nil, nil, "",
			[]byte(`{"plan":"pro"}`), []byte(`{"cart_value":80}`), now))

	f, err := repo.Get(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.CurrentStep)
	assert.Equal(t, domain.FlowActive, f.Status)
	require.NotNil(t, f.NextActionAt)
	assert.True(t, next.Equal(*f.NextActionAt))
	assert.Nil(t, f.CompletedAt)
	assert.Equal(t, "pro", f.Context["plan"])
	assert.Equal(t, 80.0, f.Payload["cart_value"])

	mock.ExpectQuery("FROM automation_flows").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, automation.ErrFlowNotFound)

	mock.ExpectQuery("status = 'active'").WithArgs("a1", "s9").WillReturnError(sql.ErrNoRows)
	_, err = repo.GetActive(context.Background(), domain.FlowRef{AutomationID: "a1", SubscriberID: "s9"})
	assert.ErrorIs(t, err, automation.ErrFlowNotFound)
}

func TestFlowRepo_ConditionalTransitions(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewFlowRepo(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE automation_flows\\s+SET current_step = \\$3").
		WithArgs("f1", 1, 2, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Advance(ctx, "f1", 1, 2, now))

	mock.ExpectExec("SET current_step").WithArgs("f1", 1, 2, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Advance(ctx, "f1", 1, 2, now), automation.ErrFlowNotActive)

	mock.ExpectExec("SET status = 'completed'").WithArgs("f1", 3, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Complete(ctx, "f1", 3, now), automation.ErrFlowNotActive)
}

func TestFlowRepo_Stop(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewFlowRepo(db)
	ctx := context.Background()

	mock.ExpectExec("SET status = 'stopped'").WithArgs("f1", "manual", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := repo.Stop(ctx, "f1", "manual", now)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec("SET status = 'stopped'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	changed, err = repo.Stop(ctx, "f1", "again", now)
	require.NoError(t, err)
	assert.False(t, changed)

	mock.ExpectExec("SET status = 'stopped'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = repo.Stop(ctx, "ghost", "x", now)
	assert.ErrorIs(t, err, automation.ErrFlowNotFound)
}

func TestFlowRepo_DeleteTerminalBefore(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("COALESCE(completed_at, stopped_at) < $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := NewFlowRepo(db).DeleteTerminalBefore(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestQueueRepo_Claim(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewQueueRepo(db)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, "w1").
		WillReturnRows(sqlmock.NewRows(queueCols).AddRow(
			"q1", "f1", "a1", "s1", 2, now.Add(-time.Minute), 1, now, "w1", "smtp down", now.Add(-time.Hour)))

	it, err := repo.Claim(context.Background(), now, "w1")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "q1", it.ID)
	assert.Equal(t, 2, it.Step)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, "w1", it.ClaimedBy)
	require.NotNil(t, it.ClaimedAt)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnRows(sqlmock.NewRows(queueCols))
	it, err = repo.Claim(context.Background(), now, "w1")
	require.NoError(t, err)
	assert.Nil(t, it, "nothing due")
}

func TestQueueRepo_EnqueueIsInsertOnly(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	item := &domain.QueueItem{ID: domain.StepItemID("f1", 2), FlowID: "f1", AutomationID: "a1",
		SubscriberID: "s1", Step: 2, NotBefore: now, CreatedAt: now}

	mock.ExpectExec("ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("f1:2", "f1", "a1", "s1", 2, now, 0, "", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewQueueRepo(db).Enqueue(context.Background(), item), "existing item is not an error")
}

func TestQueueRepo_RetryAndRecover(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewQueueRepo(db)
	ctx := context.Background()
	later := now.Add(time.Minute)

	mock.ExpectExec("WHERE id = \\$1 AND claimed_by = \\$5").
		WithArgs("q1", 3, later, "boom", "w1/a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Retry(ctx, &domain.QueueItem{ID: "q1", Attempts: 2, ClaimedBy: "w1/a"}, later, "boom"))

	mock.ExpectExec("SET attempts").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Retry(ctx, &domain.QueueItem{ID: "gone", ClaimedBy: "w1/a"}, later, ""), automation.ErrClaimLost)

	mock.ExpectExec("attempts = attempts \\+ 1").WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := repo.RecoverStale(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mock.ExpectExec("DELETE FROM automation_queue WHERE id = \\$1 AND claimed_by = \\$2").WithArgs("q1", "w1/a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Ack(ctx, &domain.QueueItem{ID: "q1", ClaimedBy: "w1/a"}))
}

func TestQueueRepo_ReclaimedItemRejectsFormerHolder(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewQueueRepo(db)
	ctx := context.Background()
	stale := &domain.QueueItem{ID: "q1", Attempts: 0, ClaimedBy: "w1/a"}

	mock.ExpectExec("DELETE FROM automation_queue").WithArgs("q1", "w1/a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Ack(ctx, stale), automation.ErrClaimLost)

	mock.ExpectExec("SET attempts").WithArgs("q1", 1, now, "late", "w1/a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Retry(ctx, stale, now, "late"), automation.ErrClaimLost)

	assert.ErrorIs(t, repo.Ack(ctx, &domain.QueueItem{ID: "q1"}), automation.ErrClaimLost, "unclaimed item")
}

func TestFlowRepo_ListOverdue(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectQuery("WHERE status = 'active' AND next_action_at < \\$1").
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(flowCols).
			AddRow("f1", "a1", "s1", 0, "active", now, now.Add(-time.Hour), nil, nil, "", []byte(`{}`), []byte(`{}`), now).
			AddRow("f2", "a1", "s2", 3, "active", now, now.Add(-time.Minute), nil, nil, "", []byte(`{}`), []byte(`{}`), now))

	flows, err := NewFlowRepo(db).ListOverdue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "f1", flows[0].ID)
	assert.Equal(t, 3, flows[1].CurrentStep)
}

func TestDefinitionRepo_GetAndCounters(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewDefinitionRepo(db)
	ctx := context.Background()

	cols := []string{"id", "name", "description", "status", "trigger_type", "trigger_conditions", "steps",
		"total_triggered", "total_completed", "total_stopped", "created_at", "updated_at"}
	mock.ExpectQuery("FROM automations WHERE id = \\$1").WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a1", "Cart", "", "active", "cart.abandoned",
			[]byte(`[{"field":"cart_value","operator":"greater_than","value":50}]`),
			[]byte(`[{"order":1,"type":"send_email","payload":{"template_id":"t1"},"delay_minutes":60}]`),
			4, 1, 2, now, now))

	a, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationActive, a.Status)
	require.Len(t, a.TriggerConditions, 1)
	assert.Equal(t, domain.OpGreaterThan, a.TriggerConditions[0].Operator)
	require.Len(t, a.Steps, 1)
	assert.Equal(t, "t1", a.Steps[0].Payload["template_id"])
	assert.Equal(t, 60, a.Steps[0].DelayMinutes)
	assert.Equal(t, 4, a.TotalTriggered)

	mock.ExpectQuery("FROM automations").WithArgs("zzz").WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(ctx, "zzz")
	assert.ErrorIs(t, err, automation.ErrAutomationNotFound)

	mock.ExpectExec("SET total_stopped = total_stopped \\+ 1").WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.IncrementCounter(ctx, "a1", domain.CounterStopped))

	assert.Error(t, repo.IncrementCounter(ctx, "a1", domain.AutomationCounter("bogus")))
}

func TestSubscriberRepo(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()
	repo := NewSubscriberRepo(db)
	ctx := context.Background()

	cols := []string{"id", "email", "first_name", "last_name", "status", "custom_fields", "tags",
		"engagement_score", "total_emails_received", "total_opens", "total_clicks",
		"last_open_at", "last_click_at", "last_email_at", "subscribed_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE LOWER(email) = $1")).WithArgs("jane@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"s1", "Jane@Example.com", "Jane", "", "confirmed", []byte(`{"plan":"pro"}`), []byte(`{vip,new}`),
			42.5, 10, 4, 1, now, nil, nil, now, now, now))

	sub, err := repo.FindByEmail(ctx, " Jane@Example.com ")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, []string{"vip", "new"}, sub.Tags)
	assert.Equal(t, "pro", sub.CustomFields["plan"])
	assert.NotNil(t, sub.LastOpenAt)
	assert.Nil(t, sub.LastClickAt)

	mock.ExpectQuery("WHERE id = \\$1").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	sub, err = repo.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, sub)

	mock.ExpectExec("array_append").WithArgs("s1", "vip").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.AddTag(ctx, "s1", "vip"))

	mock.ExpectExec("INSERT INTO segment_members").WithArgs("seg", "s1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AddToSegment(ctx, "s1", "seg"))

	mock.ExpectExec("DELETE FROM segment_members").WithArgs("seg", "s1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.RemoveFromSegment(ctx, "s1", "seg"))
}

func TestTemplateRepo_NotFound(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectQuery("FROM email_templates").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err := NewTemplateRepo(db).GetTemplate(context.Background(), "missing")
	assert.ErrorIs(t, err, automation.ErrTemplateNotFound)
	assert.True(t, automation.IsPermanent(err))
}

func TestMigrate_AppliesPendingOnly(t *testing.T) {
	db, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	for _, m := range migrations {
		applied := m.version < len(migrations)
		mock.ExpectQuery("SELECT EXISTS").WithArgs(m.version).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(applied))
		if applied {
			continue
		}
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS email_templates").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(m.version, m.name).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	n, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
