package dispatch

import (
	"context"
	"time"

	"github.com/sells-group/docintel/internal/stage"
)

// Job is one unit of stage work for one run. Handlers key any side effect on
// (RunID, Stage) so redelivery overwrites instead of duplicating.
type Job struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	CaseID     string    `json:"case_id"`
	DocumentID string    `json:"document_id"`
	Stage      stage.ID  `json:"stage"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// IdempotencyKey identifies the job's effect independent of delivery.
func (j Job) IdempotencyKey() string {
	return j.RunID + ":" + string(j.Stage)
}

// Handler executes one stage for one run. It must be idempotent under
// re-execution with the same run id.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Outcome is what a stage worker reports back to Advance.
type Outcome struct {
	Err      error
	Attempts int
}
