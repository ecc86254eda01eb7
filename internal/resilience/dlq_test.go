package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/stage"
)

func TestMemoryDLQ_RecordListSummaryClear(t *testing.T) {
	ctx := context.Background()
	dlq := NewMemoryDLQ()

	require.NoError(t, dlq.Record(ctx, DLQEntry{
		JobID: "job-1", Stage: stage.Extract, PipelineRunID: "run-1",
		CaseID: "case-1", TenantID: "t1", Error: "provider 503", AttemptsMade: 3,
	}))

	summary, err := dlq.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[stage.ID]int{stage.Extract: 1}, summary)

	entries, err := dlq.List(ctx, stage.Extract)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].AttemptsMade)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].FailedAt.IsZero())

	n, err := dlq.Clear(ctx, stage.Extract)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = dlq.List(ctx, stage.Extract)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryDLQ_NoDeduplication(t *testing.T) {
	ctx := context.Background()
	dlq := NewMemoryDLQ()
	entry := DLQEntry{JobID: "job-1", Stage: stage.OCR, PipelineRunID: "run-1"}
	require.NoError(t, dlq.Record(ctx, entry))
	require.NoError(t, dlq.Record(ctx, entry))

	entries, err := dlq.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryDLQ_ListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	dlq := NewMemoryDLQ()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, dlq.Record(ctx, DLQEntry{JobID: "old", Stage: stage.Classify, FailedAt: base}))
	require.NoError(t, dlq.Record(ctx, DLQEntry{JobID: "new", Stage: stage.Classify, FailedAt: base.Add(time.Hour)}))
	require.NoError(t, dlq.Record(ctx, DLQEntry{JobID: "mid", Stage: stage.OCR, FailedAt: base.Add(30 * time.Minute)}))

	entries, err := dlq.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{entries[0].JobID, entries[1].JobID, entries[2].JobID})

	classify, err := dlq.List(ctx, stage.Classify)
	require.NoError(t, err)
	require.Len(t, classify, 2)
	assert.Equal(t, "new", classify[0].JobID)
}

func TestMemoryDLQ_ClearAll(t *testing.T) {
	ctx := context.Background()
	dlq := NewMemoryDLQ()
	require.NoError(t, dlq.Record(ctx, DLQEntry{Stage: stage.OCR}))
	require.NoError(t, dlq.Record(ctx, DLQEntry{Stage: stage.Extract}))
	require.NoError(t, dlq.Record(ctx, DLQEntry{Stage: stage.Extract}))

	n, err := dlq.Clear(ctx, stage.OCR)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dlq.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	summary, err := dlq.Summary(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary)
}
