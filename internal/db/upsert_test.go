package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSQL_Dollar(t *testing.T) {
	got, err := UpsertSQL(UpsertConfig{
		Table:        "run_artifacts",
		Columns:      []string{"run_id", "stage", "data"},
		ConflictKeys: []string{"run_id", "stage"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "run_artifacts" ("run_id", "stage", "data") VALUES ($1, $2, $3) ON CONFLICT ("run_id", "stage") DO UPDATE SET "data" = excluded."data"`,
		got)
}

func TestUpsertSQL_QuestionWithGuard(t *testing.T) {
	got, err := UpsertSQL(UpsertConfig{
		Table:        "findings",
		Columns:      []string{"id", "pipeline_run_id", "field_key", "value"},
		ConflictKeys: []string{"pipeline_run_id", "field_key"},
		UpdateCols:   []string{"value"},
		Where:        "findings.resolved_at IS NULL",
		Placeholder:  Question,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "findings" ("id", "pipeline_run_id", "field_key", "value") VALUES (?, ?, ?, ?) ON CONFLICT ("pipeline_run_id", "field_key") DO UPDATE SET "value" = excluded."value" WHERE findings.resolved_at IS NULL`,
		got)
}

func TestUpsertSQL_DoNothing(t *testing.T) {
	got, err := UpsertSQL(UpsertConfig{
		Table:        "cases",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "DO NOTHING")
}

func TestUpsertSQL_NoColumns(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{
		Table:        "findings",
		ConflictKeys: []string{"id"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsertSQL_NoConflictKeys(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{
		Table:   "findings",
		Columns: []string{"id", "name"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "findings",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WithArgs("a", "1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO").WithArgs("b", "2").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "run_artifacts",
		Columns:      []string{"run_id", "data"},
		ConflictKeys: []string{"run_id"},
	}, [][]any{{"a", "1"}, {"b", "2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_ExecError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WithArgs("a", "1").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "run_artifacts",
		Columns:      []string{"run_id", "data"},
		ConflictKeys: []string{"run_id"},
	}, [][]any{{"a", "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_RowWidthMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "run_artifacts",
		Columns:      []string{"run_id", "data"},
		ConflictKeys: []string{"run_id"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"docintel.findings", `"docintel"."findings"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
