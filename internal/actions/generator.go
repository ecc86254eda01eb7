// Package actions derives follow-up suggestions from a run's findings and
// manages their accept/dismiss lifecycle.
package actions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/ai"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/reconcile"
	"github.com/sells-group/docintel/internal/taxonomy"
)

// Store is the slice of the persistence layer actions need.
type Store interface {
	ReplaceActions(ctx context.Context, tenantID, runID string, actions []model.Action) error
	GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error)
	ListActionsForRun(ctx context.Context, tenantID, runID string) ([]model.Action, error)
	ResolveAction(ctx context.Context, tenantID, actionID string, to model.ActionStatus, at time.Time) (bool, error)
	AppendAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// Generator combines the deterministic rules with optional AI proposals.
type Generator struct {
	store    Store
	proposer ai.ActionProposer
	now      func() time.Time
}

// NewGenerator creates a generator. A nil proposer disables AI suggestions.
func NewGenerator(st Store, proposer ai.ActionProposer) *Generator {
	return &Generator{store: st, proposer: proposer, now: func() time.Time { return time.Now().UTC() }}
}

// Generate computes the run's actions and stores them. Deterministic actions
// upsert by dedupe key; pending AI proposals from an earlier execution are
// replaced. A failed proposal call is logged and the deterministic set is
// still stored.
func (g *Generator) Generate(ctx context.Context, run *model.PipelineRun, area taxonomy.PracticeArea, findings []model.Finding) ([]model.Action, error) {
	out := Deterministic(area, findings)
	out = append(out, g.proposals(ctx, run, findings)...)

	for i := range out {
		out[i].TenantID = run.TenantID
		out[i].CaseID = run.CaseID
		out[i].PipelineRunID = run.ID
		out[i].Status = model.ActionPending
	}
	if err := g.store.ReplaceActions(ctx, run.TenantID, run.ID, out); err != nil {
		return nil, eris.Wrap(err, "actions: store")
	}

	zap.L().Info("actions: generated",
		zap.String("run_id", run.ID),
		zap.String("case_id", run.CaseID),
		zap.Int("count", len(out)),
	)
	return g.store.ListActionsForRun(ctx, run.TenantID, run.ID)
}

func (g *Generator) proposals(ctx context.Context, run *model.PipelineRun, findings []model.Finding) []model.Action {
	if g.proposer == nil {
		return nil
	}
	var live []model.Finding
	for _, f := range findings {
		if f.Status != model.FindingRejected {
			live = append(live, f)
		}
	}
	if len(live) == 0 {
		return nil
	}

	proposed, err := g.proposer.ProposeActions(ctx, live)
	if err != nil {
		zap.L().Warn("actions: proposals unavailable",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
		return nil
	}

	seen := make(map[string]struct{}, len(proposed))
	var out []model.Action
	for _, p := range proposed {
		dk := "ai:" + string(p.ActionType) + ":" + reconcile.Normalize(p.Title)
		if _, dup := seen[dk]; dup {
			continue
		}
		seen[dk] = struct{}{}
		a := model.Action{
			ActionType:  p.ActionType,
			Title:       p.Title,
			Description: strings.TrimSpace(p.Description),
			Priority:    p.Priority,
			DedupeKey:   dk,
		}
		if due, ok := ParseDate(p.DueDate); ok {
			a.DueDate = &due
		}
		out = append(out, a)
	}
	return out
}

// Accept marks a pending action accepted.
func (g *Generator) Accept(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	return g.resolve(ctx, tenantID, actionID, model.ActionAccepted)
}

// Dismiss marks a pending action dismissed.
func (g *Generator) Dismiss(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	return g.resolve(ctx, tenantID, actionID, model.ActionDismissed)
}

func (g *Generator) resolve(ctx context.Context, tenantID, actionID string, to model.ActionStatus) (*model.Action, error) {
	a, err := g.store.GetAction(ctx, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != model.ActionPending {
		return nil, model.NewValidationError("action %s is %s and cannot be %s", actionID, a.Status, to)
	}

	now := g.now()
	changed, err := g.store.ResolveAction(ctx, tenantID, actionID, to, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, model.NewValidationError("action %s was resolved concurrently", actionID)
	}

	payload, _ := json.Marshal(map[string]string{
		"action_id": actionID,
		"run_id":    a.PipelineRunID,
		"status":    string(to),
	})
	if err := g.store.AppendAuditEvent(ctx, model.AuditEvent{
		TenantID:  tenantID,
		CaseID:    a.CaseID,
		EventType: "action.resolved",
		Payload:   payload,
		CreatedAt: now,
	}); err != nil {
		zap.L().Warn("actions: audit resolution", zap.String("action_id", actionID), zap.Error(err))
	}
	return g.store.GetAction(ctx, tenantID, actionID)
}
