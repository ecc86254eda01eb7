package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/docintel/internal/stage"
)

// DLQEntry is a stage job that exhausted its retry budget.
type DLQEntry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	Stage         stage.ID  `json:"stage"`
	PipelineRunID string    `json:"pipeline_run_id"`
	CaseID        string    `json:"case_id"`
	TenantID      string    `json:"tenant_id"`
	Error         string    `json:"error"`
	ErrorType     string    `json:"error_type"` // "transient", "permanent" or "stage"
	FailedAt      time.Time `json:"failed_at"`
	AttemptsMade  int       `json:"attempts_made"`
}

// DeadLetterStore holds permanently failed stage jobs for operators. It is
// observational only: nothing here triggers a retry. An empty stage argument
// means "all stages".
type DeadLetterStore interface {
	Record(ctx context.Context, entry DLQEntry) error
	List(ctx context.Context, st stage.ID) ([]DLQEntry, error)
	Summary(ctx context.Context) (map[stage.ID]int, error)
	Clear(ctx context.Context, st stage.ID) (int, error)
}

// MemoryDLQ is a process-local DeadLetterStore. Entries do not survive a
// restart.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries []DLQEntry
}

// NewMemoryDLQ creates an empty in-memory dead-letter store.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{}
}

// Record appends entry. Repeated failures of the same job produce repeated
// entries.
func (m *MemoryDLQ) Record(_ context.Context, entry DLQEntry) error {
	entry = withDefaults(entry)
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

// List returns entries, optionally for one stage, most recent first.
func (m *MemoryDLQ) List(_ context.Context, st stage.ID) ([]DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DLQEntry, 0, len(m.entries))
	// Walk backwards so equal timestamps keep most-recent-insert first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		if st == "" || m.entries[i].Stage == st {
			out = append(out, m.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out, nil
}

// Summary counts entries per stage.
func (m *MemoryDLQ) Summary(_ context.Context) (map[stage.ID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[stage.ID]int)
	for _, e := range m.entries {
		counts[e.Stage]++
	}
	return counts, nil
}

// Clear removes entries, optionally for one stage, and reports how many.
func (m *MemoryDLQ) Clear(_ context.Context, st stage.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st == "" {
		n := len(m.entries)
		m.entries = nil
		return n, nil
	}

	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.Stage == st {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

// DLQPersister is the slice of the persistence layer a DurableDLQ needs.
type DLQPersister interface {
	InsertDLQEntry(ctx context.Context, entry DLQEntry) error
	ListDLQEntries(ctx context.Context, st stage.ID) ([]DLQEntry, error)
	CountDLQByStage(ctx context.Context) (map[stage.ID]int, error)
	DeleteDLQEntries(ctx context.Context, st stage.ID) (int, error)
}

// DurableDLQ is a DeadLetterStore backed by the database so entries survive
// crashes and are visible to every process.
type DurableDLQ struct {
	p DLQPersister
}

// NewDurableDLQ wraps a persister.
func NewDurableDLQ(p DLQPersister) *DurableDLQ {
	return &DurableDLQ{p: p}
}

// Record persists entry.
func (d *DurableDLQ) Record(ctx context.Context, entry DLQEntry) error {
	return d.p.InsertDLQEntry(ctx, withDefaults(entry))
}

// List returns persisted entries, most recent first.
func (d *DurableDLQ) List(ctx context.Context, st stage.ID) ([]DLQEntry, error) {
	return d.p.ListDLQEntries(ctx, st)
}

// Summary counts persisted entries per stage.
func (d *DurableDLQ) Summary(ctx context.Context) (map[stage.ID]int, error) {
	return d.p.CountDLQByStage(ctx)
}

// Clear deletes persisted entries.
func (d *DurableDLQ) Clear(ctx context.Context, st stage.ID) (int, error) {
	return d.p.DeleteDLQEntries(ctx, st)
}

func withDefaults(e DLQEntry) DLQEntry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}
	return e
}
