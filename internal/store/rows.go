package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/docintel/internal/db"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/stage"
)

// scannable is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

const findingColumns = `id, tenant_id, case_id, document_id, pipeline_run_id, category_key, field_key,
	value, confidence, impact, status, existing_value, source_quote, resolved_by, resolved_at, created_at`

const actionColumns = `id, tenant_id, case_id, pipeline_run_id, action_type, title, description,
	priority, status, is_deterministic, dedupe_key, finding_id, due_date, resolved_at, created_at`

func findingUpsert(ph db.Placeholder) db.UpsertConfig {
	return db.UpsertConfig{
		Table: "findings",
		Columns: []string{
			"id", "tenant_id", "case_id", "document_id", "pipeline_run_id", "category_key", "field_key",
			"value", "confidence", "impact", "status", "existing_value", "source_quote", "created_at",
		},
		ConflictKeys: []string{"pipeline_run_id", "field_key"},
		UpdateCols:   []string{"category_key", "value", "confidence", "impact", "status", "existing_value", "source_quote"},
		// Reviewer decisions are immutable.
		Where:       "findings.resolved_at IS NULL",
		Placeholder: ph,
	}
}

func findingRow(f model.Finding) []any {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return []any{
		f.ID, f.TenantID, f.CaseID, f.DocumentID, f.PipelineRunID, f.CategoryKey, f.FieldKey,
		f.Value, f.Confidence, string(f.Impact), string(f.Status), f.ExistingValue, f.SourceQuote, f.CreatedAt,
	}
}

func scanFinding(row scannable) (*model.Finding, error) {
	var f model.Finding
	var impact, status string
	err := row.Scan(&f.ID, &f.TenantID, &f.CaseID, &f.DocumentID, &f.PipelineRunID, &f.CategoryKey, &f.FieldKey,
		&f.Value, &f.Confidence, &impact, &status, &f.ExistingValue, &f.SourceQuote, &f.ResolvedBy,
		&f.ResolvedAt, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Impact = model.Impact(impact)
	f.Status = model.FindingStatus(status)
	return &f, nil
}

func actionUpsert(ph db.Placeholder) db.UpsertConfig {
	return db.UpsertConfig{
		Table: "actions",
		Columns: []string{
			"id", "tenant_id", "case_id", "pipeline_run_id", "action_type", "title", "description",
			"priority", "status", "is_deterministic", "dedupe_key", "finding_id", "due_date", "created_at",
		},
		ConflictKeys: []string{"pipeline_run_id", "dedupe_key"},
		// Status is owned by the accept/dismiss lifecycle.
		UpdateCols:  []string{"action_type", "title", "description", "priority", "finding_id", "due_date"},
		Placeholder: ph,
	}
}

func dedupeKeys(actions []model.Action) []string {
	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, a.DedupeKey)
	}
	return keys
}

func actionRow(a model.Action) []any {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.ActionPending
	}
	return []any{
		a.ID, a.TenantID, a.CaseID, a.PipelineRunID, string(a.ActionType), a.Title, a.Description,
		a.Priority, string(a.Status), a.IsDeterministic, a.DedupeKey, a.FindingID, a.DueDate, a.CreatedAt,
	}
}

func scanAction(row scannable) (*model.Action, error) {
	var a model.Action
	var actionType, status string
	err := row.Scan(&a.ID, &a.TenantID, &a.CaseID, &a.PipelineRunID, &actionType, &a.Title, &a.Description,
		&a.Priority, &status, &a.IsDeterministic, &a.DedupeKey, &a.FindingID, &a.DueDate, &a.ResolvedAt,
		&a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ActionType = model.ActionType(actionType)
	a.Status = model.ActionStatus(status)
	return &a, nil
}

func artifactUpsert(ph db.Placeholder) db.UpsertConfig {
	return db.UpsertConfig{
		Table:        "run_artifacts",
		Columns:      []string{"run_id", "stage", "data", "updated_at"},
		ConflictKeys: []string{"run_id", "stage"},
		Placeholder:  ph,
	}
}

func caseFieldUpsert(ph db.Placeholder) db.UpsertConfig {
	return db.UpsertConfig{
		Table:        "case_fields",
		Columns:      []string{"tenant_id", "case_id", "field_key", "value", "updated_at"},
		ConflictKeys: []string{"tenant_id", "case_id", "field_key"},
		Placeholder:  ph,
	}
}

// caseFieldClaim inserts a case field only when none is recorded yet.
func caseFieldClaim(ph db.Placeholder) db.UpsertConfig {
	cfg := caseFieldUpsert(ph)
	cfg.UpdateCols = []string{}
	return cfg
}

func auditDefaults(e model.AuditEvent) model.AuditEvent {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = []byte("{}")
	}
	return e
}

func stagePtr(id *stage.ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
