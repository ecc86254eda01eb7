package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/taxonomy"
	"github.com/sells-group/docintel/pkg/anthropic"
)

const classifySystemPrompt = `You classify legal documents for a %s practice. Choose exactly one document type from: %s. Respond with a valid JSON object: {"doc_type": "<type>", "confidence": <0.0-1.0>}`

const classifyUserPrompt = `Document text (first %d chars):
%s`

// classifyChars bounds how much document text classification sees.
const classifyChars = 4000

// Classify picks a document type. Types outside the area's list map to
// "other".
func (c *Claude) Classify(ctx context.Context, text string, area taxonomy.PracticeArea) (*Classification, error) {
	types := area.DocTypes
	if len(types) == 0 {
		types = []string{"other"}
	}
	system := []anthropic.SystemBlock{{Text: fmt.Sprintf(classifySystemPrompt, areaLabel(area), strings.Join(types, ", "))}}
	user := fmt.Sprintf(classifyUserPrompt, classifyChars, truncate(text, classifyChars))

	raw, err := c.complete(ctx, OpClassify, system, user)
	if err != nil {
		return nil, err
	}
	return parseClassification(raw, types)
}

func parseClassification(raw string, allowed []string) (*Classification, error) {
	var out Classification
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &out); err != nil {
		return nil, eris.Wrap(err, "ai: classify: malformed response")
	}
	out.DocType = strings.ToLower(strings.TrimSpace(out.DocType))
	if out.DocType == "" {
		return nil, eris.New("ai: classify: empty doc_type")
	}
	if !slices.Contains(allowed, out.DocType) {
		out.DocType = "other"
	}
	out.Confidence = clamp01(out.Confidence)
	return &out, nil
}

func areaLabel(area taxonomy.PracticeArea) string {
	if area.Label != "" {
		return area.Label
	}
	return area.Key
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
