// Package model holds the document intelligence pipeline's domain types.
package model

import (
	"time"

	"github.com/sells-group/docintel/internal/stage"
)

// RunStatus represents the overall state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run will not make further progress on its own.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StageStatus represents the state of one stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageState is one entry of a run's stage status map.
type StageState struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
}

// PipelineRun is one execution of the stage sequence for one document.
type PipelineRun struct {
	ID                string                  `json:"id"`
	TenantID          string                  `json:"tenant_id"`
	CaseID            string                  `json:"case_id"`
	DocumentID        string                  `json:"document_id"`
	Status            RunStatus               `json:"status"`
	CurrentStage      *stage.ID               `json:"current_stage,omitempty"`
	StageStatuses     map[stage.ID]StageState `json:"stage_statuses"`
	ClassifiedDocType *string                 `json:"classified_doc_type,omitempty"`
	Error             *string                 `json:"error,omitempty"`
	Version           int                     `json:"version"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// NewPipelineRun builds a queued run with a pending entry for every stage.
func NewPipelineRun(id, tenantID, caseID, documentID string, now time.Time) *PipelineRun {
	statuses := make(map[stage.ID]StageState, len(stage.All()))
	for _, s := range stage.All() {
		statuses[s] = StageState{Status: StageStatusPending}
	}
	return &PipelineRun{
		ID:            id,
		TenantID:      tenantID,
		CaseID:        caseID,
		DocumentID:    documentID,
		Status:        RunStatusQueued,
		StageStatuses: statuses,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Stage returns the state for s, defaulting to pending for rows written
// before a stage was added to the registry.
func (r *PipelineRun) Stage(s stage.ID) StageState {
	if st, ok := r.StageStatuses[s]; ok {
		return st
	}
	return StageState{Status: StageStatusPending}
}

// SetStage replaces the state for s.
func (r *PipelineRun) SetStage(s stage.ID, st StageState) {
	if r.StageStatuses == nil {
		r.StageStatuses = make(map[stage.ID]StageState)
	}
	r.StageStatuses[s] = st
}

// FailedStage returns the first failed stage in registry order.
func (r *PipelineRun) FailedStage() (stage.ID, bool) {
	return stage.FirstMatching(func(s stage.ID) bool {
		return r.Stage(s).Status == StageStatusFailed
	})
}

// ErrorMessage returns the run error or "".
func (r *PipelineRun) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// RunDetail is a run together with everything it produced.
type RunDetail struct {
	Run      PipelineRun `json:"run"`
	Findings []Finding   `json:"findings"`
	Actions  []Action    `json:"actions"`
}

// Artifact is the persisted output of one stage of one run, upserted by
// (RunID, Stage).
type Artifact struct {
	RunID     string    `json:"run_id"`
	Stage     stage.ID  `json:"stage"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}
