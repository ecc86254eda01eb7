package model

import "time"

// Impact ranks how much a field matters to the case.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Valid reports whether i is a known impact level.
func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical:
		return true
	}
	return false
}

// FindingStatus is the disposition of one finding.
type FindingStatus string

const (
	FindingPending     FindingStatus = "pending"
	FindingAccepted    FindingStatus = "accepted"
	FindingRejected    FindingStatus = "rejected"
	FindingAutoApplied FindingStatus = "auto_applied"
	FindingConflict    FindingStatus = "conflict"
	FindingRevised     FindingStatus = "revised"
)

// NeedsReview reports whether a reviewer still has to act on the finding.
func (s FindingStatus) NeedsReview() bool {
	return s == FindingPending || s == FindingConflict
}

// Resolved reports whether the status is a terminal reviewer decision.
func (s FindingStatus) Resolved() bool {
	return s == FindingAccepted || s == FindingRejected || s == FindingRevised
}

// Decision is a reviewer's verdict on a finding.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionAccepted || d == DecisionRejected
}

// Finding is one extracted field value tied to one run.
type Finding struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	CaseID        string        `json:"case_id"`
	DocumentID    string        `json:"document_id"`
	PipelineRunID string        `json:"pipeline_run_id"`
	CategoryKey   string        `json:"category_key"`
	FieldKey      string        `json:"field_key"`
	Value         string        `json:"value"`
	Confidence    float64       `json:"confidence"`
	Impact        Impact        `json:"impact"`
	Status        FindingStatus `json:"status"`
	ExistingValue *string       `json:"existing_value,omitempty"`
	SourceQuote   *string       `json:"source_quote,omitempty"`
	ResolvedBy    *string       `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ExtractedField is a candidate value produced by the extract stage.
type ExtractedField struct {
	CategoryKey string  `json:"category_key"`
	FieldKey    string  `json:"field_key"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	Impact      Impact  `json:"impact"`
	SourceQuote string  `json:"source_quote,omitempty"`
}

// CategoryView groups a case's current findings for one category.
type CategoryView struct {
	CategoryKey   string    `json:"category_key"`
	Findings      []Finding `json:"findings"`
	PendingCount  int       `json:"pending_count"`
	ConflictCount int       `json:"conflict_count"`
	NeedsReview   int       `json:"needs_review"`
}

// CaseView is the full-case findings view grouped by category.
type CaseView struct {
	CaseID        string         `json:"case_id"`
	Categories    []CategoryView `json:"categories"`
	PendingCount  int            `json:"pending_count"`
	ConflictCount int            `json:"conflict_count"`
	NeedsReview   int            `json:"needs_review"`
}

// LatestPerField keeps the newest finding for each field key, preserving the
// input order of first appearance. Ties on CreatedAt keep the earlier entry.
func LatestPerField(findings []Finding) []Finding {
	index := make(map[string]int)
	var out []Finding
	for _, f := range findings {
		i, ok := index[f.FieldKey]
		if !ok {
			index[f.FieldKey] = len(out)
			out = append(out, f)
			continue
		}
		if f.CreatedAt.After(out[i].CreatedAt) {
			out[i] = f
		}
	}
	return out
}
