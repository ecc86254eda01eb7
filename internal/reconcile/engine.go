// Package reconcile decides the disposition of newly extracted field values
// against a case's recorded data and handles reviewer resolution.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

// Store is the slice of the persistence layer reconciliation needs.
type Store interface {
	GetFieldValue(ctx context.Context, tenantID, caseID, fieldKey string) (*string, error)
	ApplyFindings(ctx context.Context, findings []model.Finding, redecide store.Redecide) ([]model.Finding, error)
	GetFinding(ctx context.Context, tenantID, findingID string) (*model.Finding, error)
	ListFindingsForRun(ctx context.Context, tenantID, runID string) ([]model.Finding, error)
	ListFindingsForCase(ctx context.Context, tenantID, caseID string) ([]model.Finding, error)
	FieldHistory(ctx context.Context, tenantID, caseID, fieldKey string) ([]model.Finding, error)
	ResolveFinding(ctx context.Context, res store.FindingResolution) (model.FindingStatus, bool, error)
	AppendAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// DefaultThreshold is the auto-apply confidence used when none is configured.
const DefaultThreshold = 0.8

// Engine reconciles extracted fields into findings.
type Engine struct {
	store     Store
	threshold float64
	now       func() time.Time
}

// New creates an engine. A threshold outside (0,1] falls back to
// DefaultThreshold.
func New(st Store, threshold float64) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Engine{store: st, threshold: threshold, now: func() time.Time { return time.Now().UTC() }}
}

// Threshold returns the auto-apply confidence threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Reconcile turns one run's extracted fields into findings. Fields already
// reconciled for this run keep their earlier disposition, so re-execution
// neither duplicates findings nor repeats write-backs. Write-backs only claim
// fields that are still empty when the findings are saved; a field recorded
// in the meantime is decided again against that value.
func (e *Engine) Reconcile(ctx context.Context, run *model.PipelineRun, fields []model.ExtractedField) ([]model.Finding, error) {
	prior, err := e.store.ListFindingsForRun(ctx, run.TenantID, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load prior findings")
	}
	done := make(map[string]model.Finding, len(prior))
	for _, f := range prior {
		done[f.FieldKey] = f
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("case_id", run.CaseID))
	out := make([]model.Finding, 0, len(fields))
	var fresh []model.Finding
	var slots []int
	for _, ef := range fields {
		if f, ok := done[ef.FieldKey]; ok {
			out = append(out, f)
			continue
		}

		current, err := e.store.GetFieldValue(ctx, run.TenantID, run.CaseID, ef.FieldKey)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: read case field %s", ef.FieldKey)
		}
		f := e.decide(run, ef, current)
		slots = append(slots, len(out))
		fresh = append(fresh, f)
		out = append(out, f)
		done[f.FieldKey] = f
	}

	if len(fresh) > 0 {
		saved, err := e.store.ApplyFindings(ctx, fresh, e.redecide)
		if err != nil {
			return nil, eris.Wrap(err, "reconcile: save findings")
		}
		for i, f := range saved {
			if f.Status != fresh[i].Status {
				log.Info("reconcile: field recorded concurrently",
					zap.String("field_key", f.FieldKey),
					zap.String("status", string(f.Status)),
				)
			}
			log.Debug("reconcile: field",
				zap.String("field_key", f.FieldKey),
				zap.String("status", string(f.Status)),
				zap.Float64("confidence", f.Confidence),
			)
			out[slots[i]] = f
		}
	}
	log.Info("reconcile: run reconciled", zap.Int("fields", len(fields)), zap.Int("new_findings", len(fresh)))
	return out, nil
}

// decide applies the disposition rules to one field.
func (e *Engine) decide(run *model.PipelineRun, ef model.ExtractedField, current *string) model.Finding {
	f := model.Finding{
		ID:            uuid.New().String(),
		TenantID:      run.TenantID,
		CaseID:        run.CaseID,
		DocumentID:    run.DocumentID,
		PipelineRunID: run.ID,
		CategoryKey:   ef.CategoryKey,
		FieldKey:      ef.FieldKey,
		Value:         ef.Value,
		Confidence:    ef.Confidence,
		Impact:        ef.Impact,
		CreatedAt:     e.now(),
	}
	if !f.Impact.Valid() {
		f.Impact = model.ImpactMedium
	}
	if ef.SourceQuote != "" {
		q := ef.SourceQuote
		f.SourceQuote = &q
	}

	switch {
	case current == nil && ef.Confidence >= e.threshold:
		f.Status = model.FindingAutoApplied
	case current == nil:
		f.Status = model.FindingPending
	case Equivalent(*current, ef.Value):
		f.Status = model.FindingAutoApplied
		existing := *current
		f.ExistingValue = &existing
	default:
		f.Status = model.FindingConflict
		existing := *current
		f.ExistingValue = &existing
	}
	return f
}

// redecide settles a finding whose write-back lost to a value recorded after
// the field was read.
func (e *Engine) redecide(f model.Finding, recorded string) model.Finding {
	existing := recorded
	f.ExistingValue = &existing
	if Equivalent(recorded, f.Value) {
		f.Status = model.FindingAutoApplied
	} else {
		f.Status = model.FindingConflict
	}
	return f
}

// Resolve applies a reviewer decision to one finding. Resolving a finding
// that no longer needs review is a ValidationError.
func (e *Engine) Resolve(ctx context.Context, tenantID, findingID string, decision model.Decision, resolvedBy string) (*model.Finding, error) {
	if !decision.Valid() {
		return nil, model.NewValidationError("unknown decision %q", decision)
	}
	f, err := e.store.GetFinding(ctx, tenantID, findingID)
	if err != nil {
		return nil, err
	}
	if !f.Status.NeedsReview() || f.ResolvedAt != nil {
		return nil, model.NewValidationError("finding %s is %s and cannot be resolved", findingID, f.Status)
	}

	changed, err := e.transition(ctx, f, decision, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, model.NewValidationError("finding %s was resolved concurrently", findingID)
	}
	return e.store.GetFinding(ctx, tenantID, findingID)
}

// BatchResolve applies one decision to many findings and reports how many
// actually changed. Findings that are missing or no longer need review are
// skipped.
func (e *Engine) BatchResolve(ctx context.Context, tenantID string, findingIDs []string, decision model.Decision, resolvedBy string) (int, error) {
	if !decision.Valid() {
		return 0, model.NewValidationError("unknown decision %q", decision)
	}
	seen := make(map[string]struct{}, len(findingIDs))
	updated := 0
	for _, id := range findingIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		f, err := e.store.GetFinding(ctx, tenantID, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return updated, err
		}
		if !f.Status.NeedsReview() || f.ResolvedAt != nil {
			continue
		}
		changed, err := e.transition(ctx, f, decision, resolvedBy)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

// transition performs the CAS out of the finding's current status and
// records the audit event.
func (e *Engine) transition(ctx context.Context, f *model.Finding, decision model.Decision, resolvedBy string) (bool, error) {
	now := e.now()
	res := store.FindingResolution{
		TenantID:   f.TenantID,
		FindingID:  f.ID,
		From:       f.Status,
		To:         TargetStatus(decision, false),
		ResolvedBy: resolvedBy,
		ResolvedAt: now,
	}
	if decision == model.DecisionAccepted {
		res.WriteBack = true
		res.Overwrite = TargetStatus(decision, true)
		res.Same = Equivalent
	}
	to, changed, err := e.store.ResolveFinding(ctx, res)
	if err != nil || !changed {
		return changed, err
	}

	payload, _ := json.Marshal(map[string]string{
		"finding_id":  f.ID,
		"field_key":   f.FieldKey,
		"from":        string(f.Status),
		"to":          string(to),
		"resolved_by": resolvedBy,
	})
	if err := e.store.AppendAuditEvent(ctx, model.AuditEvent{
		TenantID:  f.TenantID,
		CaseID:    f.CaseID,
		EventType: "finding.resolved",
		Payload:   payload,
		CreatedAt: now,
	}); err != nil {
		zap.L().Warn("reconcile: audit finding resolution", zap.String("finding_id", f.ID), zap.Error(err))
	}
	return true, nil
}

// TargetStatus maps a decision to the resolved status. An accept that
// replaces a different recorded value is reported as revised.
func TargetStatus(decision model.Decision, replaces bool) model.FindingStatus {
	if decision == model.DecisionRejected {
		return model.FindingRejected
	}
	if replaces {
		return model.FindingRevised
	}
	return model.FindingAccepted
}

// FieldHistory returns every finding for one field of a case, newest first.
func (e *Engine) FieldHistory(ctx context.Context, tenantID, caseID, fieldKey string) ([]model.Finding, error) {
	return e.store.FieldHistory(ctx, tenantID, caseID, fieldKey)
}

// CaseView groups the latest finding per field by category with review
// counts.
func (e *Engine) CaseView(ctx context.Context, tenantID, caseID string) (*model.CaseView, error) {
	all, err := e.store.ListFindingsForCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	latest := model.LatestPerField(all)

	view := &model.CaseView{CaseID: caseID, Categories: []model.CategoryView{}}
	index := make(map[string]int)
	for _, f := range latest {
		i, ok := index[f.CategoryKey]
		if !ok {
			i = len(view.Categories)
			index[f.CategoryKey] = i
			view.Categories = append(view.Categories, model.CategoryView{CategoryKey: f.CategoryKey})
		}
		cat := &view.Categories[i]
		cat.Findings = append(cat.Findings, f)
		switch f.Status {
		case model.FindingPending:
			cat.PendingCount++
			view.PendingCount++
		case model.FindingConflict:
			cat.ConflictCount++
			view.ConflictCount++
		}
		cat.NeedsReview = cat.PendingCount + cat.ConflictCount
	}
	view.NeedsReview = view.PendingCount + view.ConflictCount
	return view, nil
}
