package risk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
)

// Audit event types written by Recalculate.
const (
	TriggerManual   = "risk.recalculated"
	TriggerPipeline = "risk.pipeline"
)

// Store is the slice of the persistence layer the risk service needs.
type Store interface {
	GetCase(ctx context.Context, tenantID, caseID string) (*model.CaseRecord, error)
	ListFindingsForCase(ctx context.Context, tenantID, caseID string) ([]model.Finding, error)
	SaveRiskAssessment(ctx context.Context, tenantID, caseID string, ra model.RiskAssessment) error
	AppendAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// Service recomputes and persists case risk.
type Service struct {
	store  Store
	scorer *Scorer
	now    func() time.Time
}

// NewService creates a risk service.
func NewService(st Store, scorer *Scorer) *Service {
	return &Service{store: st, scorer: scorer, now: func() time.Time { return time.Now().UTC() }}
}

// Recalculate scores the latest finding per field of the case, overwrites
// the case's risk columns and appends an audit event of type trigger. It is
// safe to repeat.
func (s *Service) Recalculate(ctx context.Context, tenantID, caseID, trigger string) (*model.RiskAssessment, error) {
	if _, err := s.store.GetCase(ctx, tenantID, caseID); err != nil {
		return nil, err
	}
	findings, err := s.store.ListFindingsForCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: list findings")
	}

	res := s.scorer.Score(model.LatestPerField(findings))
	ra := model.RiskAssessment{Score: res.Score, Factors: res.Factors, AssessedAt: s.now()}
	if err := s.store.SaveRiskAssessment(ctx, tenantID, caseID, ra); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"score": ra.Score, "factors": len(ra.Factors)})
	if err := s.store.AppendAuditEvent(ctx, model.AuditEvent{
		TenantID:  tenantID,
		CaseID:    caseID,
		EventType: trigger,
		Payload:   payload,
		CreatedAt: ra.AssessedAt,
	}); err != nil {
		return nil, eris.Wrap(err, "risk: audit")
	}

	zap.L().Info("risk: case scored",
		zap.String("tenant_id", tenantID),
		zap.String("case_id", caseID),
		zap.Int("score", ra.Score),
		zap.String("trigger", trigger),
	)
	return &ra, nil
}
