// Package ai is the classification, field extraction, and action proposal
// collaborator. It wraps pkg/anthropic with rate limiting, per-operation
// circuit breakers, and strict JSON parsing of model output.
package ai

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/docintel/internal/config"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/taxonomy"
	"github.com/sells-group/docintel/pkg/anthropic"
)

// Operation names, also used as breaker names.
const (
	OpClassify = "classify"
	OpExtract  = "extract"
	OpPropose  = "propose"
)

// Classification is the document type chosen for a document.
type Classification struct {
	DocType    string  `json:"doc_type"`
	Confidence float64 `json:"confidence"`
}

// ProposedAction is a non-deterministic follow-up suggested by the model.
type ProposedAction struct {
	ActionType  model.ActionType `json:"action_type"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Priority    int              `json:"priority"`
	DueDate     string           `json:"due_date,omitempty"`
}

// Classifier picks a document type from the practice area's list.
type Classifier interface {
	Classify(ctx context.Context, text string, area taxonomy.PracticeArea) (*Classification, error)
}

// FieldExtractor returns candidate values for the area's fields.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, text, docType string, area taxonomy.PracticeArea) ([]model.ExtractedField, error)
}

// ActionProposer suggests follow-ups for a run's findings.
type ActionProposer interface {
	ProposeActions(ctx context.Context, findings []model.Finding) ([]ProposedAction, error)
}

// Claude implements Classifier, FieldExtractor and ActionProposer.
type Claude struct {
	client   anthropic.Client
	cfg      config.AnthropicConfig
	limiter  *rate.Limiter
	breakers *resilience.Breakers
}

var (
	_ Classifier     = (*Claude)(nil)
	_ FieldExtractor = (*Claude)(nil)
	_ ActionProposer = (*Claude)(nil)
)

// NewClaude builds the AI collaborator. A zero RequestsPerSecond disables
// rate limiting.
func NewClaude(client anthropic.Client, cfg config.AnthropicConfig, breakers *resilience.Breakers) *Claude {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig())
	}
	return &Claude{
		client:   client,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: breakers,
	}
}

// complete sends one prompt and returns the response text. Provider errors
// with retryable HTTP statuses come back as resilience.TransientError.
func (c *Claude) complete(ctx context.Context, op string, system []anthropic.SystemBlock, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrapf(err, "ai: %s: rate limit wait", op)
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	}

	resp, err := resilience.Call(ctx, c.breakers.Get(op), func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := c.client.CreateMessage(ctx, req)
		if err != nil {
			if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return "", eris.Wrapf(err, "ai: %s", op)
	}

	resp.Usage.LogCost(c.cfg.Model, op)
	if resp.StopReason == "max_tokens" {
		zap.L().Warn("ai: response truncated", zap.String("operation", op))
	}
	return resp.Text(), nil
}
