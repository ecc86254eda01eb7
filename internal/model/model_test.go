package model

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/docintel/internal/stage"
)

func TestNewPipelineRun_AllStagesPending(t *testing.T) {
	r := NewPipelineRun("r1", "t1", "c1", "d1", time.Now())
	assert.Equal(t, RunStatusQueued, r.Status)
	assert.Nil(t, r.CurrentStage)
	assert.Len(t, r.StageStatuses, len(stage.All()))
	for _, s := range stage.All() {
		assert.Equal(t, StageStatusPending, r.Stage(s).Status, s)
	}
}

func TestPipelineRun_FailedStage(t *testing.T) {
	r := NewPipelineRun("r1", "t1", "c1", "d1", time.Now())
	_, ok := r.FailedStage()
	assert.False(t, ok)

	r.SetStage(stage.Extract, StageState{Status: StageStatusFailed, Error: "boom"})
	got, ok := r.FailedStage()
	assert.True(t, ok)
	assert.Equal(t, stage.Extract, got)
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusQueued.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestFindingStatus_Predicates(t *testing.T) {
	assert.True(t, FindingPending.NeedsReview())
	assert.True(t, FindingConflict.NeedsReview())
	assert.False(t, FindingAutoApplied.NeedsReview())
	assert.True(t, FindingRevised.Resolved())
	assert.False(t, FindingAutoApplied.Resolved())
}

func TestErrorPredicates_ThroughWrap(t *testing.T) {
	assert.True(t, IsValidation(eris.Wrap(NewValidationError("run %s is %s", "r1", "running"), "retry")))
	assert.True(t, IsNotFound(eris.Wrap(NewNotFoundError("run", "r1"), "get")))
	assert.True(t, IsConflict(eris.Wrap(NewConflictError("doc"), "start")))
	assert.False(t, IsValidation(eris.New("plain")))
}

func TestIsPermanentStageError(t *testing.T) {
	assert.True(t, IsPermanentStageError(eris.Wrap(ErrUnsupportedFormat, "ocr")))
	assert.True(t, IsPermanentStageError(NewPermanentStageError(stage.Intake, eris.New("empty"))))
	assert.False(t, IsPermanentStageError(NewStageError(stage.Classify, eris.New("timeout"))))
	assert.False(t, IsPermanentStageError(nil))
}

func TestLatestPerField(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Finding{
		{ID: "a1", FieldKey: "a", CreatedAt: base},
		{ID: "b1", FieldKey: "b", CreatedAt: base},
		{ID: "a2", FieldKey: "a", CreatedAt: base.Add(time.Hour)},
		{ID: "b0", FieldKey: "b", CreatedAt: base.Add(-time.Hour)},
		{ID: "b-tie", FieldKey: "b", CreatedAt: base},
	}
	out := LatestPerField(in)
	assert.Len(t, out, 2)
	assert.Equal(t, "a2", out[0].ID)
	assert.Equal(t, "b1", out[1].ID)
}
