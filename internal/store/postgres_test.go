package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/stage"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

// anyArgs matches n positional arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM pipeline_runs WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("nonexistent-run", "t1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "t1", "nonexistent-run")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_ActiveConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO pipeline_runs`).
		WithArgs(append([]any{"r1", "t1", "c1", "d1"}, anyArgs(8)...)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: activeRunIndex})

	run := model.NewPipelineRun("r1", "t1", "c1", "d1", time.Now().UTC())
	err := s.CreateRun(context.Background(), run)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_OtherError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO pipeline_runs`).
		WithArgs(anyArgs(12)...).
		WillReturnError(errors.New("connection refused"))

	run := model.NewPipelineRun("r1", "t1", "c1", "d1", time.Now().UTC())
	err := s.CreateRun(context.Background(), run)
	require.Error(t, err)
	assert.False(t, model.IsConflict(err))
	assert.Contains(t, err.Error(), "insert run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRun_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	run := model.NewPipelineRun("r1", "t1", "c1", "d1", time.Now().UTC())
	run.Version = 4

	mock.ExpectExec(`WHERE id = \$7 AND tenant_id = \$8 AND version = \$9`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "r1", "t1", 4).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrStaleRun)
	assert.Equal(t, 4, run.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRun_BumpsVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	run := model.NewPipelineRun("r1", "t1", "c1", "d1", time.Now().UTC())
	run.Version = 1

	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs(append(anyArgs(6), "r1", "t1", 1)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateRun(context.Background(), run))
	assert.Equal(t, 2, run.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertFindings_GuardsResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "findings" .* ON CONFLICT \("pipeline_run_id", "field_key"\) DO UPDATE SET .* WHERE findings.resolved_at IS NULL`).
		WithArgs(append(anyArgs(1), "t1", "c1", "d1", "r1", "parties", "plaintiff_name", "John Smith",
			0.95, "high", "auto_applied", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg())...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertFindings(context.Background(), []model.Finding{{
		TenantID: "t1", CaseID: "c1", DocumentID: "d1", PipelineRunID: "r1",
		CategoryKey: "parties", FieldKey: "plaintiff_name", Value: "John Smith",
		Confidence: 0.95, Impact: model.ImpactHigh, Status: model.FindingAutoApplied,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveFinding_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT case_id, field_key, value FROM findings.*FOR UPDATE`).
		WithArgs("f1", "t1", "pending").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, ok, err := s.ResolveFinding(context.Background(), FindingResolution{
		TenantID: "t1", FindingID: "f1",
		From: model.FindingPending, To: model.FindingAccepted,
		ResolvedBy: "alice", ResolvedAt: time.Now().UTC(), WriteBack: true,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveFinding_WritesBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT case_id, field_key, value FROM findings.*FOR UPDATE`).
		WithArgs("f1", "t1", "conflict").
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "field_key", "value"}).
			AddRow("c1", "plaintiff_name", "Jon Smith"))
	mock.ExpectQuery(`SELECT value FROM case_fields .* FOR UPDATE`).
		WithArgs("t1", "c1", "plaintiff_name").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("John Smith"))
	mock.ExpectExec(`UPDATE findings SET status = \$1`).
		WithArgs("revised", "alice", pgxmock.AnyArg(), "f1", "t1", "conflict").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO "case_fields" .* DO UPDATE SET`).
		WithArgs("t1", "c1", "plaintiff_name", "Jon Smith", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	to, ok, err := s.ResolveFinding(context.Background(), FindingResolution{
		TenantID: "t1", FindingID: "f1",
		From: model.FindingConflict, To: model.FindingAccepted, Overwrite: model.FindingRevised,
		ResolvedBy: "alice", ResolvedAt: time.Now().UTC(), WriteBack: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.FindingRevised, to)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveFinding_AcceptsIntoEmptyField(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT case_id, field_key, value FROM findings.*FOR UPDATE`).
		WithArgs("f1", "t1", "pending").
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "field_key", "value"}).
			AddRow("c1", "plaintiff_name", "Jon Smith"))
	mock.ExpectQuery(`SELECT value FROM case_fields .* FOR UPDATE`).
		WithArgs("t1", "c1", "plaintiff_name").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`UPDATE findings SET status = \$1`).
		WithArgs("accepted", "alice", pgxmock.AnyArg(), "f1", "t1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO "case_fields"`).
		WithArgs("t1", "c1", "plaintiff_name", "Jon Smith", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	to, ok, err := s.ResolveFinding(context.Background(), FindingResolution{
		TenantID: "t1", FindingID: "f1",
		From: model.FindingPending, To: model.FindingAccepted, Overwrite: model.FindingRevised,
		ResolvedBy: "alice", ResolvedAt: time.Now().UTC(), WriteBack: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.FindingAccepted, to)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyFindings_RedecidesLostClaim(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "case_fields" .* DO NOTHING`).
		WithArgs("t1", "c1", "plaintiff_name", "John Smith", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT value FROM case_fields`).
		WithArgs("t1", "c1", "plaintiff_name").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("Reviewer Value"))
	mock.ExpectExec(`INSERT INTO "findings"`).
		WithArgs(append(anyArgs(1), "t1", "c1", "d1", "r1", "parties", "plaintiff_name", "John Smith",
			0.95, "high", "conflict", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg())...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	out, err := s.ApplyFindings(context.Background(), []model.Finding{{
		TenantID: "t1", CaseID: "c1", DocumentID: "d1", PipelineRunID: "r1",
		CategoryKey: "parties", FieldKey: "plaintiff_name", Value: "John Smith",
		Confidence: 0.95, Impact: model.ImpactHigh, Status: model.FindingAutoApplied,
	}}, func(f model.Finding, recorded string) model.Finding {
		f.Status = model.FindingConflict
		f.ExistingValue = &recorded
		return f
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.FindingConflict, out[0].Status)
	require.NotNil(t, out[0].ExistingValue)
	assert.Equal(t, "Reviewer Value", *out[0].ExistingValue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceActions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)DELETE FROM actions.*is_deterministic = false OR NOT \(dedupe_key = ANY\(\$4\)\)`).
		WithArgs("t1", "r1", "pending", []string{"flag_risk:plaintiff_name"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO "actions" .* ON CONFLICT \("pipeline_run_id", "dedupe_key"\)`).
		WithArgs(append(anyArgs(1), "t1", "c1", "r1", "flag_risk", "Confirm plaintiff name", "", 5,
			"pending", true, "flag_risk:plaintiff_name", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg())...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.ReplaceActions(context.Background(), "t1", "r1", []model.Action{{
		TenantID: "t1", CaseID: "c1", PipelineRunID: "r1", ActionType: model.ActionFlagRisk,
		Title: "Confirm plaintiff name", Priority: 5, IsDeterministic: true, DedupeKey: "flag_risk:plaintiff_name",
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveAction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE actions SET status = \$1, resolved_at = \$2`).
		WithArgs("accepted", pgxmock.AnyArg(), "a1", "t1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.ResolveAction(context.Background(), "t1", "a1", model.ActionAccepted, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFieldValue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT value FROM case_fields`).
		WithArgs("t1", "c1", "plaintiff_name").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("John Smith"))
	mock.ExpectQuery(`SELECT value FROM case_fields`).
		WithArgs("t1", "c1", "defendant_name").
		WillReturnError(pgx.ErrNoRows)

	v, err := s.GetFieldValue(context.Background(), "t1", "c1", "plaintiff_name")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "John Smith", *v)

	v, err = s.GetFieldValue(context.Background(), "t1", "c1", "defendant_name")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRiskAssessment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cases SET risk_score`).
		WithArgs(10, pgxmock.AnyArg(), pgxmock.AnyArg(), "missing", "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SaveRiskAssessment(context.Background(), "t1", "missing", model.RiskAssessment{Score: 10})
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDLQEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	failedAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, job_id, stage, pipeline_run_id`).
		WithArgs("extract").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "stage", "pipeline_run_id", "case_id", "tenant_id",
			"error", "error_type", "attempts_made", "failed_at",
		}).AddRow("e1", "j1", "extract", "r1", "c1", "t1", "bad json", "stage", 3, failedAt))

	entries, err := s.ListDLQEntries(context.Background(), stage.Extract)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, stage.Extract, entries[0].Stage)
	assert.Equal(t, 3, entries[0].AttemptsMade)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DLQSummaryAndClear(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	dlq := resilience.NewDurableDLQ(s)

	mock.ExpectQuery(`SELECT stage, COUNT\(\*\) FROM dead_letter_queue GROUP BY stage`).
		WillReturnRows(pgxmock.NewRows([]string{"stage", "count"}).
			AddRow("extract", 1).
			AddRow("classify", 4))
	mock.ExpectExec(`DELETE FROM dead_letter_queue`).
		WithArgs("extract").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	summary, err := dlq.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[stage.ID]int{stage.Extract: 1, stage.Classify: 4}, summary)

	n, err := dlq.Clear(context.Background(), stage.Extract)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
