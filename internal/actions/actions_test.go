package actions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/ai"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
	"github.com/sells-group/docintel/internal/taxonomy"
)

type mockProposer struct{ mock.Mock }

func (m *mockProposer) ProposeActions(ctx context.Context, findings []model.Finding) ([]ai.ProposedAction, error) {
	args := m.Called(ctx, findings)
	if v := args.Get(0); v != nil {
		return v.([]ai.ProposedAction), args.Error(1)
	}
	return nil, args.Error(1)
}

func piArea(t *testing.T) taxonomy.PracticeArea {
	t.Helper()
	pack, err := taxonomy.Default()
	require.NoError(t, err)
	area, ok := pack.Area("personal_injury")
	require.True(t, ok)
	return area
}

func strPtr(s string) *string { return &s }

func claimantConflict() model.Finding {
	return model.Finding{
		ID: "f-claimant", TenantID: "t1", CaseID: "c1", PipelineRunID: "r1",
		CategoryKey: "parties", FieldKey: "claimant_name", Value: "Jon Smith",
		ExistingValue: strPtr("John Smith"), Confidence: 0.92,
		Impact: model.ImpactHigh, Status: model.FindingConflict,
	}
}

func TestDeterministic_ClaimantConflictFlagsRisk(t *testing.T) {
	area := piArea(t)
	in := []model.Finding{claimantConflict()}

	first := Deterministic(area, in)
	require.Len(t, first, 1)
	a := first[0]
	assert.Equal(t, model.ActionFlagRisk, a.ActionType)
	assert.True(t, a.IsDeterministic)
	assert.Equal(t, "flag_risk:claimant_name", a.DedupeKey)
	assert.Equal(t, PriorityNameConflict, a.Priority)
	assert.Contains(t, a.Description, "John Smith")
	require.NotNil(t, a.FindingID)
	assert.Equal(t, "f-claimant", *a.FindingID)

	for range 5 {
		assert.Equal(t, first, Deterministic(area, in))
	}
}

func TestDeterministic_StatuteSortsFirst(t *testing.T) {
	area := piArea(t)
	in := []model.Finding{
		claimantConflict(),
		{ID: "f-resp", FieldKey: "response_deadline", Value: "2026-05-01", Impact: model.ImpactCritical, Status: model.FindingAutoApplied},
		{ID: "f-sol", FieldKey: "statute_of_limitations", Value: "March 3, 2027", Impact: model.ImpactCritical, Status: model.FindingAutoApplied},
	}
	out := Deterministic(area, in)
	require.Len(t, out, 3)

	assert.Equal(t, "create_deadline:statute_of_limitations", out[0].DedupeKey)
	assert.Equal(t, PriorityStatute, out[0].Priority)
	require.NotNil(t, out[0].DueDate)
	assert.Equal(t, "2027-03-03", *out[0].DueDate)

	assert.Equal(t, "create_deadline:response_deadline", out[1].DedupeKey)
	assert.Equal(t, PriorityCriticalDate, out[1].Priority)
	assert.Equal(t, "flag_risk:claimant_name", out[2].DedupeKey)

	reversed := []model.Finding{in[2], in[1], in[0]}
	assert.Equal(t, out, Deterministic(area, reversed))
}

func TestDeterministic_SkipsRejectedAndLowImpact(t *testing.T) {
	area := piArea(t)
	out := Deterministic(area, []model.Finding{
		{ID: "a", FieldKey: "statute_of_limitations", Value: "2027-01-01", Impact: model.ImpactCritical, Status: model.FindingRejected},
		{ID: "b", FieldKey: "injury_description", Value: "whiplash", ExistingValue: strPtr("fracture"), Impact: model.ImpactMedium, Status: model.FindingConflict},
	})
	assert.Empty(t, out)
}

func TestDeterministic_PendingCriticalRequestsInfo(t *testing.T) {
	area := piArea(t)
	out := Deterministic(area, []model.Finding{
		{ID: "a", FieldKey: "statute_of_limitations", Value: "sometime next year", Confidence: 0.4, Impact: model.ImpactCritical, Status: model.FindingPending},
	})
	require.Len(t, out, 2)
	assert.Equal(t, model.ActionCreateDeadline, out[0].ActionType)
	assert.Nil(t, out[0].DueDate)
	assert.Equal(t, model.ActionRequestInfo, out[1].ActionType)
	assert.Contains(t, out[1].Description, "40%")
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2026-04-30", "2026-04-30", true},
		{"04/30/2026", "2026-04-30", true},
		{"4/3/2026", "2026-04-03", true},
		{"April 30, 2026", "2026-04-30", true},
		{" Apr 30, 2026 ", "2026-04-30", true},
		{"30 April 2026", "2026-04-30", true},
		{"within 21 days", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDate(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testRun() *model.PipelineRun {
	return model.NewPipelineRun("r1", "t1", "c1", "d1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestGenerate_MergesProposalsAndReplacesOnRerun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	area := piArea(t)
	findings := []model.Finding{claimantConflict()}

	p := &mockProposer{}
	p.On("ProposeActions", mock.Anything, findings).Return([]ai.ProposedAction{
		{ActionType: model.ActionRequestInfo, Title: "Request police report", Priority: 60, DueDate: "2026-03-20"},
		{ActionType: model.ActionRequestInfo, Title: "request police report.", Priority: 70},
	}, nil).Once()
	p.On("ProposeActions", mock.Anything, findings).Return([]ai.ProposedAction{
		{ActionType: model.ActionCreateTask, Title: "Send preservation letter", Priority: 50},
	}, nil).Once()

	g := NewGenerator(st, p)
	first, err := g.Generate(ctx, testRun(), area, findings)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "flag_risk:claimant_name", first[0].DedupeKey)
	assert.True(t, first[0].IsDeterministic)
	assert.False(t, first[1].IsDeterministic)
	require.NotNil(t, first[1].DueDate)
	assert.Equal(t, "2026-03-20", *first[1].DueDate)

	second, err := g.Generate(ctx, testRun(), area, findings)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID, "deterministic action upserts in place")
	assert.Equal(t, "Send preservation letter", second[1].Title)
	p.AssertExpectations(t)
}

func TestGenerate_ProposalFailureKeepsDeterministic(t *testing.T) {
	st := newTestStore(t)
	p := &mockProposer{}
	p.On("ProposeActions", mock.Anything, mock.Anything).Return(nil, errors.New("circuit open"))

	out, err := NewGenerator(st, p).Generate(context.Background(), testRun(), piArea(t), []model.Finding{claimantConflict()})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.ActionFlagRisk, out[0].ActionType)
}

func TestGenerate_KeepsAcceptedProposal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	findings := []model.Finding{claimantConflict()}

	p := &mockProposer{}
	p.On("ProposeActions", mock.Anything, mock.Anything).Return([]ai.ProposedAction{
		{ActionType: model.ActionCreateTask, Title: "Call client", Priority: 50},
	}, nil).Once()
	p.On("ProposeActions", mock.Anything, mock.Anything).Return([]ai.ProposedAction{}, nil).Once()

	g := NewGenerator(st, p)
	first, err := g.Generate(ctx, testRun(), piArea(t), findings)
	require.NoError(t, err)
	require.Len(t, first, 2)
	_, err = g.Accept(ctx, "t1", first[1].ID)
	require.NoError(t, err)

	second, err := g.Generate(ctx, testRun(), piArea(t), findings)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, model.ActionAccepted, second[1].Status)
}

func TestAcceptDismiss_Lifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	g := NewGenerator(st, nil)

	out, err := g.Generate(ctx, testRun(), piArea(t), []model.Finding{claimantConflict()})
	require.NoError(t, err)
	require.Len(t, out, 1)
	id := out[0].ID

	accepted, err := g.Accept(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, model.ActionAccepted, accepted.Status)
	assert.NotNil(t, accepted.ResolvedAt)

	_, err = g.Dismiss(ctx, "t1", id)
	assert.True(t, model.IsValidation(err))
	_, err = g.Accept(ctx, "t1", id)
	assert.True(t, model.IsValidation(err))

	_, err = g.Accept(ctx, "other-tenant", id)
	assert.True(t, model.IsNotFound(err))

	events, err := st.ListAuditEvents(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "action.resolved", events[0].EventType)
}

func TestDismiss(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	g := NewGenerator(st, nil)

	out, err := g.Generate(ctx, testRun(), piArea(t), []model.Finding{claimantConflict()})
	require.NoError(t, err)

	dismissed, err := g.Dismiss(ctx, "t1", out[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionDismissed, dismissed.Status)
}
