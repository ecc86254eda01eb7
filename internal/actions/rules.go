package actions

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/taxonomy"
)

// Priority bands. Lower is more urgent.
const (
	PriorityStatute      = 1
	PriorityCriticalDate = 5
	PriorityDeadline     = 10
	PriorityNameConflict = 20
	PriorityConflict     = 30
	PriorityReview       = 40
)

// dateLayouts are the calendar formats recognized in deadline values.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// rule inspects one finding and returns the actions it implies.
type rule func(f model.Finding, field taxonomy.Field) []model.Action

var rules = []rule{
	deadlineRule,
	conflictRule,
	criticalReviewRule,
}

// deadlineRule calendars every deadline-kind field that was not rejected.
func deadlineRule(f model.Finding, field taxonomy.Field) []model.Action {
	if field.Kind != taxonomy.KindDeadline || f.Status == model.FindingRejected {
		return nil
	}
	priority := PriorityDeadline
	switch {
	case isStatute(f.FieldKey):
		priority = PriorityStatute
	case f.Impact == model.ImpactCritical:
		priority = PriorityCriticalDate
	}

	a := model.Action{
		ActionType:  model.ActionCreateDeadline,
		Title:       "Calendar " + label(field),
		Description: fmt.Sprintf("Document states %s: %s.", strings.ToLower(label(field)), f.Value),
		Priority:    priority,
		DedupeKey:   key(model.ActionCreateDeadline, f.FieldKey),
	}
	if due, ok := ParseDate(f.Value); ok {
		a.DueDate = &due
	}
	return []model.Action{a}
}

// conflictRule flags disagreement with recorded case data. Name conflicts
// suggest a wrong party or a misfiled document and rank above others.
func conflictRule(f model.Finding, field taxonomy.Field) []model.Action {
	if f.Status != model.FindingConflict {
		return nil
	}
	existing := ""
	if f.ExistingValue != nil {
		existing = *f.ExistingValue
	}
	desc := fmt.Sprintf("Document states %q but the case records %q.", f.Value, existing)

	if field.Kind == taxonomy.KindName {
		return []model.Action{{
			ActionType:  model.ActionFlagRisk,
			Title:       "Conflicting " + strings.ToLower(label(field)),
			Description: desc,
			Priority:    PriorityNameConflict,
			DedupeKey:   key(model.ActionFlagRisk, f.FieldKey),
		}}
	}
	if f.Impact == model.ImpactHigh || f.Impact == model.ImpactCritical {
		return []model.Action{{
			ActionType:  model.ActionFlagRisk,
			Title:       "Conflicting " + strings.ToLower(label(field)),
			Description: desc,
			Priority:    PriorityConflict,
			DedupeKey:   key(model.ActionFlagRisk, f.FieldKey),
		}}
	}
	return nil
}

// criticalReviewRule asks for confirmation of low-confidence critical values.
func criticalReviewRule(f model.Finding, field taxonomy.Field) []model.Action {
	if f.Status != model.FindingPending || f.Impact != model.ImpactCritical {
		return nil
	}
	return []model.Action{{
		ActionType:  model.ActionRequestInfo,
		Title:       "Confirm " + strings.ToLower(label(field)),
		Description: fmt.Sprintf("Extracted %q with low confidence (%.0f%%).", f.Value, f.Confidence*100),
		Priority:    PriorityReview,
		DedupeKey:   key(model.ActionRequestInfo, f.FieldKey),
	}}
}

// Deterministic applies the fixed rules to findings. The result depends only
// on the findings, never on their order.
func Deterministic(area taxonomy.PracticeArea, findings []model.Finding) []model.Action {
	byKey := make(map[string]model.Action)
	for _, f := range model.LatestPerField(findings) {
		field, _, ok := area.Field(f.FieldKey)
		if !ok {
			field = taxonomy.Field{Key: f.FieldKey, Kind: taxonomy.KindText}
		}
		for _, r := range rules {
			for _, a := range r(f, field) {
				a.IsDeterministic = true
				id := f.ID
				a.FindingID = &id
				if prev, dup := byKey[a.DedupeKey]; !dup || a.Priority < prev.Priority {
					byKey[a.DedupeKey] = a
				}
			}
		}
	}

	out := make([]model.Action, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, a)
	}
	SortActions(out)
	return out
}

// SortActions orders by priority, then dedupe key.
func SortActions(actions []model.Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		return actions[i].DedupeKey < actions[j].DedupeKey
	})
}

// ParseDate normalizes a recognized date to YYYY-MM-DD.
func ParseDate(v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

func isStatute(fieldKey string) bool {
	return strings.Contains(fieldKey, "statute_of_limitations")
}

func label(f taxonomy.Field) string {
	if f.Label != "" {
		return f.Label
	}
	return strings.ReplaceAll(f.Key, "_", " ")
}

func key(t model.ActionType, fieldKey string) string {
	return string(t) + ":" + fieldKey
}
