package model

import (
	"encoding/json"
	"time"
)

// Document is an uploaded file entering the pipeline.
type Document struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CaseID    string    `json:"case_id"`
	Filename  string    `json:"filename"`
	MediaType string    `json:"media_type"`
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskFactor is one labeled contributor to a case risk score.
type RiskFactor struct {
	Key          string  `json:"key"`
	Label        string  `json:"label"`
	Contribution float64 `json:"contribution"`
}

// RiskAssessment is the scored outcome persisted on a case.
type RiskAssessment struct {
	Score      int          `json:"score"`
	Factors    []RiskFactor `json:"factors"`
	AssessedAt time.Time    `json:"assessed_at"`
}

// CaseRecord holds the case columns this subsystem reads or writes.
type CaseRecord struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	PracticeArea string          `json:"practice_area"`
	Risk         *RiskAssessment `json:"risk,omitempty"`
}

// AuditEvent is an append-only record of an operator- or pipeline-driven change.
type AuditEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	CaseID    string          `json:"case_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
