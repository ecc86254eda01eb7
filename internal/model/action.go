package model

import "time"

// ActionType names the kind of follow-up an action suggests.
type ActionType string

const (
	ActionCreateTask     ActionType = "create_task"
	ActionFlagRisk       ActionType = "flag_risk"
	ActionCreateDeadline ActionType = "create_deadline"
	ActionRequestInfo    ActionType = "request_info"
)

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionAccepted  ActionStatus = "accepted"
	ActionDismissed ActionStatus = "dismissed"
)

// Action is a suggested follow-up derived from findings. Lower Priority
// sorts first.
type Action struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	CaseID          string       `json:"case_id"`
	PipelineRunID   string       `json:"pipeline_run_id"`
	ActionType      ActionType   `json:"action_type"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Priority        int          `json:"priority"`
	Status          ActionStatus `json:"status"`
	IsDeterministic bool         `json:"is_deterministic"`
	// DedupeKey identifies the rule and field that produced the action so a
	// re-executed actions stage upserts instead of duplicating.
	DedupeKey  string     `json:"dedupe_key"`
	FindingID  *string    `json:"finding_id,omitempty"`
	DueDate    *string    `json:"due_date,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
