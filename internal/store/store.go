package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/stage"
)

// ErrStaleRun is returned by UpdateRun when the stored version no longer
// matches the caller's copy. Callers reload and reapply their transition.
var ErrStaleRun = eris.New("store: stale pipeline run version")

// FindingResolution is a compare-and-swap transition of one finding out of an
// unresolved status.
type FindingResolution struct {
	TenantID   string
	FindingID  string
	From       model.FindingStatus
	To         model.FindingStatus
	ResolvedBy string
	ResolvedAt time.Time
	// WriteBack copies the finding's value into the case record in the same
	// transaction as the status change.
	WriteBack bool
	// Overwrite replaces To when the write-back replaces a different recorded
	// value. Empty means To always applies.
	Overwrite model.FindingStatus
	// Same compares the recorded value with the finding's value. Nil compares
	// exactly.
	Same func(recorded, value string) bool
}

// target picks the resolved status given the case value the write-back
// would replace.
func (r FindingResolution) target(recorded *string, value string) model.FindingStatus {
	if !r.WriteBack || r.Overwrite == "" || recorded == nil {
		return r.To
	}
	same := r.Same
	if same == nil {
		same = func(a, b string) bool { return a == b }
	}
	if same(*recorded, value) {
		return r.To
	}
	return r.Overwrite
}

// Redecide re-evaluates a finding that expected an empty case field after
// another writer recorded value first.
type Redecide func(f model.Finding, recorded string) model.Finding

// claimsField reports whether f fills an empty case field on save.
func claimsField(f model.Finding) bool {
	return f.Status == model.FindingAutoApplied && f.ExistingValue == nil
}

// Store defines the persistence interface for the document pipeline. Every
// read and mutation is scoped by tenant id.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, tenantID, documentID string) (*model.Document, error)

	// Runs
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error)
	ListRunsForCase(ctx context.Context, tenantID, caseID string) ([]model.PipelineRun, error)
	UpdateRun(ctx context.Context, run *model.PipelineRun) error
	// ListActiveRuns returns queued and running runs across all tenants,
	// oldest first, for redelivery after a restart.
	ListActiveRuns(ctx context.Context) ([]model.PipelineRun, error)

	// Stage artifacts
	PutArtifact(ctx context.Context, a model.Artifact) error
	GetArtifact(ctx context.Context, runID string, st stage.ID) (*model.Artifact, error)

	// Findings
	UpsertFindings(ctx context.Context, findings []model.Finding) error
	// ApplyFindings saves reconciled findings in one transaction. An
	// auto-applied finding without an existing value claims its case field
	// with a conditional insert; when the field was recorded concurrently the
	// finding is passed to redecide with that value before it is saved.
	ApplyFindings(ctx context.Context, findings []model.Finding, redecide Redecide) ([]model.Finding, error)
	GetFinding(ctx context.Context, tenantID, findingID string) (*model.Finding, error)
	ListFindingsForRun(ctx context.Context, tenantID, runID string) ([]model.Finding, error)
	ListFindingsForCase(ctx context.Context, tenantID, caseID string) ([]model.Finding, error)
	FieldHistory(ctx context.Context, tenantID, caseID, fieldKey string) ([]model.Finding, error)
	// ResolveFinding reports the status the finding moved to, or false when
	// the compare-and-swap lost.
	ResolveFinding(ctx context.Context, res FindingResolution) (model.FindingStatus, bool, error)

	// Actions
	// ReplaceActions upserts the run's actions and drops every pending action
	// whose dedupe key the new set no longer carries. Pending AI proposals are
	// always replaced.
	ReplaceActions(ctx context.Context, tenantID, runID string, actions []model.Action) error
	GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error)
	ListActionsForRun(ctx context.Context, tenantID, runID string) ([]model.Action, error)
	ResolveAction(ctx context.Context, tenantID, actionID string, to model.ActionStatus, at time.Time) (bool, error)

	// Case data
	EnsureCase(ctx context.Context, tenantID, caseID, practiceArea string) (*model.CaseRecord, error)
	GetCase(ctx context.Context, tenantID, caseID string) (*model.CaseRecord, error)
	GetFieldValue(ctx context.Context, tenantID, caseID, fieldKey string) (*string, error)
	SetFieldValue(ctx context.Context, tenantID, caseID, fieldKey, value string) error
	SaveRiskAssessment(ctx context.Context, tenantID, caseID string, ra model.RiskAssessment) error

	// Audit
	AppendAuditEvent(ctx context.Context, e model.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID, caseID string) ([]model.AuditEvent, error)

	// Dead letter queue
	resilience.DLQPersister

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// activeRunIndex enforces one non-terminal run per document.
const activeRunIndex = "idx_pipeline_runs_active_document"
