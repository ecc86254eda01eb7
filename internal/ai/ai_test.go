package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/config"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/taxonomy"
	"github.com/sells-group/docintel/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

func testArea(t *testing.T) taxonomy.PracticeArea {
	t.Helper()
	p, err := taxonomy.Default()
	require.NoError(t, err)
	area, ok := p.Area("personal_injury")
	require.True(t, ok)
	return area
}

func newTestClaude(client anthropic.Client) *Claude {
	return NewClaude(client, config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 512}, nil)
}

func TestClassify(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.Temperature != nil && *req.Temperature == 0 &&
			len(req.System) == 1
	})).Return(textResponse("```json\n{\"doc_type\": \"Police_Report\", \"confidence\": 0.9}\n```"), nil)

	c := newTestClaude(mc)
	got, err := c.Classify(context.Background(), "Officer report ...", testArea(t))
	require.NoError(t, err)
	assert.Equal(t, "police_report", got.DocType)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	mc.AssertExpectations(t)
}

func TestClassify_UnknownTypeMapsToOther(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"doc_type": "recipe", "confidence": 1.7}`), nil)

	got, err := newTestClaude(mc).Classify(context.Background(), "text", testArea(t))
	require.NoError(t, err)
	assert.Equal(t, "other", got.DocType)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestClassify_Malformed(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot tell."), nil)

	_, err := newTestClaude(mc).Classify(context.Background(), "text", testArea(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
	assert.False(t, resilience.IsTransient(err))
}

func TestComplete_TransientTagging(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529))

	_, err := newTestClaude(mc).Classify(context.Background(), "text", testArea(t))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestComplete_BreakerOpens(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503))

	breakers := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 2})
	c := NewClaude(mc, config.AnthropicConfig{Model: "m"}, breakers)
	area := testArea(t)

	for range 2 {
		_, err := c.Classify(context.Background(), "text", area)
		require.Error(t, err)
	}
	_, err := c.Classify(context.Background(), "text", area)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)

	// Other operations keep their own breaker.
	assert.Equal(t, resilience.BreakerClosed, breakers.Get(OpExtract).State())
}

func TestExtractFields(t *testing.T) {
	reply := `Here you go:
{"fields": [
  {"field_key": "claimant_name", "value": "John Smith", "confidence": 0.95, "source_quote": "Claimant John Smith"},
  {"field_key": "claimant_name", "value": "J. Smith", "confidence": 0.4},
  {"field_key": "statute_of_limitations", "value": "2027-03-01", "confidence": "0.8"},
  {"field_key": "favorite_color", "value": "blue", "confidence": 0.99},
  {"field_key": "insurer_name", "value": null, "confidence": 0.5},
  {"field_key": "policy_limit", "value": 250000, "confidence": 0.7}
]}`
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) == 2 && req.System[0].CacheControl != nil
	})).Return(textResponse(reply), nil)

	got, err := newTestClaude(mc).ExtractFields(context.Background(), "doc", "complaint", testArea(t))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, model.ExtractedField{
		CategoryKey: "parties",
		FieldKey:    "claimant_name",
		Value:       "John Smith",
		Confidence:  0.95,
		Impact:      model.ImpactHigh,
		SourceQuote: "Claimant John Smith",
	}, got[0])
	assert.Equal(t, "statute_of_limitations", got[1].FieldKey)
	assert.Equal(t, "deadlines", got[1].CategoryKey)
	assert.Equal(t, model.ImpactCritical, got[1].Impact)
	assert.InDelta(t, 0.8, got[1].Confidence, 1e-9)
	assert.Equal(t, "250000", got[2].Value)
}

func TestExtractFields_Malformed(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"fields": "nope"}`), nil)

	_, err := newTestClaude(mc).ExtractFields(context.Background(), "doc", "complaint", testArea(t))
	require.Error(t, err)
}

func TestProposeActions(t *testing.T) {
	reply := `{"actions": [
  {"action_type": "request_info", "title": "Request medical records", "priority": 20},
  {"action_type": "teleport", "title": "Unknown type", "priority": 500},
  {"action_type": "create_task", "title": "  "}
]}`
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(reply), nil)

	findings := []model.Finding{{FieldKey: "injury_description", Value: "broken arm", Status: model.FindingPending, Impact: model.ImpactMedium}}
	got, err := newTestClaude(mc).ProposeActions(context.Background(), findings)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ActionRequestInfo, got[0].ActionType)
	assert.Equal(t, 20, got[0].Priority)
	assert.Equal(t, model.ActionCreateTask, got[1].ActionType)
	assert.Equal(t, 50, got[1].Priority)
}

func TestProposeActions_NoFindings(t *testing.T) {
	mc := new(mockAnthropicClient)
	got, err := newTestClaude(mc).ProposeActions(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	mc.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Sure! {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}
