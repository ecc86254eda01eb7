package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/pkg/anthropic"
)

const proposeSystemPrompt = `You are a paralegal assistant. Given findings extracted from a new case document, suggest at most 5 follow-up actions the attorney should take. Allowed action types: create_task, request_info, create_deadline, flag_risk. Priority is 1 (most urgent) to 100. Respond with a valid JSON object: {"actions": [{"action_type": "...", "title": "...", "description": "...", "priority": <int>, "due_date": "YYYY-MM-DD or empty"}]}`

const maxProposals = 5

// ProposeActions asks the model for follow-ups. An empty finding set makes
// no call.
func (c *Claude) ProposeActions(ctx context.Context, findings []model.Finding) ([]ProposedAction, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("Findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s = %q (status %s, impact %s)", f.FieldKey, f.Value, f.Status, f.Impact)
		if f.ExistingValue != nil {
			fmt.Fprintf(&b, ", case currently records %q", *f.ExistingValue)
		}
		b.WriteString("\n")
	}

	raw, err := c.complete(ctx, OpPropose, []anthropic.SystemBlock{{Text: proposeSystemPrompt}}, b.String())
	if err != nil {
		return nil, err
	}
	return parseProposals(raw)
}

func parseProposals(raw string) ([]ProposedAction, error) {
	var payload struct {
		Actions []ProposedAction `json:"actions"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &payload); err != nil {
		return nil, eris.Wrap(err, "ai: propose: malformed response")
	}

	var out []ProposedAction
	for _, a := range payload.Actions {
		a.Title = strings.TrimSpace(a.Title)
		if a.Title == "" {
			continue
		}
		switch a.ActionType {
		case model.ActionCreateTask, model.ActionRequestInfo, model.ActionCreateDeadline, model.ActionFlagRisk:
		default:
			a.ActionType = model.ActionCreateTask
		}
		if a.Priority <= 0 || a.Priority > 100 {
			a.Priority = 50
		}
		out = append(out, a)
		if len(out) == maxProposals {
			break
		}
	}
	return out, nil
}
