package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/taxonomy"
	"github.com/sells-group/docintel/pkg/anthropic"
)

const extractSystemPrompt = `You extract structured case data from legal documents. Only report fields that the document states explicitly. Respond with a valid JSON object of the form {"fields": [{"field_key": "<key>", "value": "<value>", "confidence": <0.0-1.0>, "source_quote": "<verbatim quote>"}]}. Dates use YYYY-MM-DD.`

// extractChars bounds how much document text extraction sees.
const extractChars = 60000

// ExtractFields returns candidate values for the area's fields. Unknown
// field keys and empty values are dropped; category and impact always come
// from the taxonomy rather than the model.
func (c *Claude) ExtractFields(ctx context.Context, text, docType string, area taxonomy.PracticeArea) ([]model.ExtractedField, error) {
	system := anthropic.CachedSystemBlocks(fieldCatalog(area), extractSystemPrompt)
	user := fmt.Sprintf("Document type: %s\n\nDocument text:\n%s", docType, truncate(text, extractChars))

	raw, err := c.complete(ctx, OpExtract, system, user)
	if err != nil {
		return nil, err
	}
	return parseExtraction(raw, area)
}

// fieldCatalog renders the taxonomy as the cacheable prompt prefix.
func fieldCatalog(area taxonomy.PracticeArea) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Practice area: %s\nFields:\n", areaLabel(area))
	for _, cat := range area.Categories {
		for _, f := range cat.Fields {
			fmt.Fprintf(&b, "- %s (%s, %s)", f.Key, cat.Key, f.Kind)
			if f.Label != "" {
				fmt.Fprintf(&b, ": %s", f.Label)
			}
			if f.Description != "" {
				fmt.Fprintf(&b, ". %s", f.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func parseExtraction(raw string, area taxonomy.PracticeArea) ([]model.ExtractedField, error) {
	var payload struct {
		Fields []map[string]any `json:"fields"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &payload); err != nil {
		return nil, eris.Wrap(err, "ai: extract: malformed response")
	}

	seen := make(map[string]int)
	var out []model.ExtractedField
	for _, item := range payload.Fields {
		key, _ := item["field_key"].(string)
		key = strings.TrimSpace(key)
		f, category, ok := area.Field(key)
		if !ok {
			zap.L().Debug("ai: extract: dropping unknown field", zap.String("field_key", key))
			continue
		}
		value, ok := valueString(item["value"])
		if !ok {
			continue
		}
		conf, _ := toFloat64(item["confidence"])
		quote, _ := item["source_quote"].(string)

		ef := model.ExtractedField{
			CategoryKey: category,
			FieldKey:    f.Key,
			Value:       value,
			Confidence:  clamp01(conf),
			Impact:      f.Impact,
			SourceQuote: strings.TrimSpace(quote),
		}
		// Keep the most confident answer when a field repeats.
		if i, dup := seen[f.Key]; dup {
			if ef.Confidence > out[i].Confidence {
				out[i] = ef
			}
			continue
		}
		seen[f.Key] = len(out)
		out = append(out, ef)
	}
	return out, nil
}
