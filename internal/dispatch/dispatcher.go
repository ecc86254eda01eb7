// Package dispatch is the stage dispatcher: it creates pipeline runs, feeds
// one queue per stage to bounded worker pools, and advances each run through
// the stage registry strictly in order.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/stage"
	"github.com/sells-group/docintel/internal/store"
)

// ErrStopped is returned when enqueueing after the dispatcher shut down.
var ErrStopped = eris.New("dispatch: dispatcher stopped")

// maxCASAttempts bounds reload-and-reapply loops on stale run versions.
const maxCASAttempts = 10

// RunStore is the slice of the persistence layer the dispatcher uses.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error)
	UpdateRun(ctx context.Context, run *model.PipelineRun) error
	ListActiveRuns(ctx context.Context) ([]model.PipelineRun, error)
}

// Options tunes queues, worker pools and the per-job retry budget.
type Options struct {
	// Concurrency is the worker count per stage. Missing stages get 1.
	Concurrency map[stage.ID]int
	// QueueSize is the buffer of each stage queue. Default: 256.
	QueueSize int
	// Retry is the per-job attempt budget.
	Retry resilience.RetryConfig
}

// Dispatcher owns the per-stage queues and worker pools.
type Dispatcher struct {
	runs     RunStore
	dlq      resilience.DeadLetterStore
	handlers map[stage.ID]Handler
	queues   map[stage.ID]chan Job
	opts     Options
	tracer   trace.Tracer
	now      func() time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a dispatcher. Every registered stage needs a handler.
func New(runs RunStore, dlq resilience.DeadLetterStore, handlers map[stage.ID]Handler, opts Options) (*Dispatcher, error) {
	if runs == nil || dlq == nil {
		return nil, eris.New("dispatch: run store and dead-letter store are required")
	}
	for _, s := range stage.All() {
		if handlers[s] == nil {
			return nil, eris.Errorf("dispatch: no handler for stage %s", s)
		}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	queues := make(map[stage.ID]chan Job, len(stage.All()))
	for _, s := range stage.All() {
		queues[s] = make(chan Job, opts.QueueSize)
	}
	return &Dispatcher{
		runs:     runs,
		dlq:      dlq,
		handlers: handlers,
		queues:   queues,
		opts:     opts,
		tracer:   otel.Tracer("github.com/sells-group/docintel/internal/dispatch"),
		now:      func() time.Time { return time.Now().UTC() },
		stopped:  make(chan struct{}),
	}, nil
}

// Run starts every stage's worker pool and blocks until ctx is cancelled.
// Jobs in flight at shutdown are left running and are redelivered by
// Recover on the next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stage.All() {
		n := d.opts.Concurrency[s]
		if n <= 0 {
			n = 1
		}
		for range n {
			g.Go(func() error {
				d.worker(gctx, s)
				return nil
			})
		}
	}
	zap.L().Info("dispatch: workers started", zap.Int("queue_size", d.opts.QueueSize))
	return g.Wait()
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

func (d *Dispatcher) worker(ctx context.Context, s stage.ID) {
	q := d.queues[s]
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q:
			d.process(ctx, job)
		}
	}
}

// Start creates a queued run for the document and schedules intake. It
// fails with a ConflictError when the document already has a non-terminal
// run.
func (d *Dispatcher) Start(ctx context.Context, tenantID, caseID, documentID string) (string, error) {
	if tenantID == "" || caseID == "" || documentID == "" {
		return "", model.NewValidationError("tenant, case and document ids are required")
	}
	run := model.NewPipelineRun(uuid.New().String(), tenantID, caseID, documentID, d.now())
	first := stage.First()
	run.CurrentStage = &first
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return "", err
	}

	zap.L().Info("dispatch: run created",
		zap.String("run_id", run.ID),
		zap.String("tenant_id", tenantID),
		zap.String("case_id", caseID),
		zap.String("document_id", documentID),
	)
	if err := d.enqueue(ctx, d.jobFor(run, first)); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// Advance records a stage outcome. Success completes the stage and schedules
// the next one, or completes the run after the last stage. Failure marks the
// stage and the run failed and schedules nothing.
func (d *Dispatcher) Advance(ctx context.Context, tenantID, runID string, st stage.ID, outcome Outcome) error {
	var next *Job
	run, err := d.mutateRun(ctx, tenantID, runID, func(run *model.PipelineRun) error {
		next = nil
		if run.Status != model.RunStatusRunning || run.CurrentStage == nil || *run.CurrentStage != st {
			return model.NewValidationError("run %s is not executing stage %s", runID, st)
		}
		now := d.now()
		state := run.Stage(st)
		state.CompletedAt = &now
		if outcome.Attempts > 0 {
			state.Attempts = outcome.Attempts
		}

		if outcome.Err != nil {
			msg := outcome.Err.Error()
			state.Status = model.StageStatusFailed
			state.Error = msg
			run.SetStage(st, state)
			run.Status = model.RunStatusFailed
			run.Error = &msg
			return nil
		}

		state.Status = model.StageStatusCompleted
		state.Error = ""
		run.SetStage(st, state)
		if n, ok := stage.Next(st); ok {
			run.CurrentStage = &n
			job := d.jobFor(run, n)
			next = &job
			return nil
		}
		run.Status = model.RunStatusCompleted
		run.CurrentStage = nil
		run.Error = nil
		return nil
	})
	if err != nil {
		return err
	}

	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", string(st)), zap.String("tenant_id", tenantID))
	switch {
	case outcome.Err != nil:
		log.Warn("dispatch: run failed", zap.Error(outcome.Err))
	case next != nil:
		log.Info("dispatch: stage completed", zap.String("next", string(next.Stage)))
		return d.enqueue(ctx, *next)
	default:
		log.Info("dispatch: run completed", zap.String("case_id", run.CaseID))
	}
	return nil
}

// RetryFromStage re-queues a failed run at its first failed stage, falling
// back to the current stage and then intake. It returns the stage that was
// scheduled.
func (d *Dispatcher) RetryFromStage(ctx context.Context, tenantID, runID string) (stage.ID, error) {
	var target stage.ID
	run, err := d.mutateRun(ctx, tenantID, runID, func(run *model.PipelineRun) error {
		if run.Status != model.RunStatusFailed {
			return model.NewValidationError("run %s is %s; only failed runs can be retried", runID, run.Status)
		}
		target = RetryTarget(run)
		for _, s := range stage.All()[stage.Index(target):] {
			run.SetStage(s, model.StageState{Status: model.StageStatusPending})
		}
		run.Status = model.RunStatusQueued
		run.Error = nil
		run.CurrentStage = &target
		return nil
	})
	if err != nil {
		return "", err
	}

	zap.L().Info("dispatch: retrying run",
		zap.String("run_id", runID),
		zap.String("tenant_id", tenantID),
		zap.String("stage", string(target)),
	)
	return target, d.enqueue(ctx, d.jobFor(run, target))
}

// RetryTarget picks where a failed run resumes: the first failed stage in
// registry order, else the current stage, else intake.
func RetryTarget(run *model.PipelineRun) stage.ID {
	if s, ok := run.FailedStage(); ok {
		return s
	}
	if run.CurrentStage != nil && stage.Valid(*run.CurrentStage) {
		return *run.CurrentStage
	}
	return stage.First()
}

// Recover re-enqueues the current stage of every queued or running run.
// Delivery is at-least-once, so a stage interrupted mid-flight runs again.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	runs, err := d.runs.ListActiveRuns(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: list active runs")
	}
	n := 0
	for i := range runs {
		run := &runs[i]
		st := stage.First()
		if run.CurrentStage != nil && stage.Valid(*run.CurrentStage) {
			st = *run.CurrentStage
		}
		if err := d.enqueue(ctx, d.jobFor(run, st)); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		zap.L().Info("dispatch: recovered active runs", zap.Int("count", n))
	}
	return n, nil
}

func (d *Dispatcher) jobFor(run *model.PipelineRun, st stage.ID) Job {
	return Job{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		TenantID:   run.TenantID,
		CaseID:     run.CaseID,
		DocumentID: run.DocumentID,
		Stage:      st,
		EnqueuedAt: d.now(),
	}
}

// enqueue hands job to its stage queue. It waits only for queue capacity,
// never for a stage to finish.
func (d *Dispatcher) enqueue(ctx context.Context, job Job) error {
	q, ok := d.queues[job.Stage]
	if !ok {
		return eris.Errorf("dispatch: unknown stage %s", job.Stage)
	}
	select {
	case q <- job:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "dispatch: enqueue %s for run %s", job.Stage, job.RunID)
	}
}

// process executes one delivered job with the retry budget and reports the
// outcome. Exhausted or permanent failures go to the dead-letter store.
func (d *Dispatcher) process(ctx context.Context, job Job) {
	ctx, span := d.tracer.Start(ctx, "stage."+string(job.Stage), trace.WithAttributes(
		attribute.String("run_id", job.RunID),
		attribute.String("tenant_id", job.TenantID),
		attribute.String("stage", string(job.Stage)),
	))
	defer span.End()

	log := zap.L().With(
		zap.String("run_id", job.RunID),
		zap.String("stage", string(job.Stage)),
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
	)

	if err := d.beginWithRetry(ctx, job); err != nil {
		switch {
		case errors.Is(err, errSkip):
			log.Debug("dispatch: dropping stale delivery")
		case ctx.Err() != nil:
			log.Warn("dispatch: begin interrupted by shutdown", zap.Error(err))
		default:
			// The run stays queued at this stage, so Recover redelivers it.
			log.Error("dispatch: mark stage running", zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "begin")
		}
		return
	}
	log.Info("dispatch: stage started")

	retry := d.opts.Retry
	retry.OnRetry = resilience.RetryLogger(string(job.Stage), job.ID)
	handler := d.handlers[job.Stage]
	attempts, err := resilience.Do(ctx, retry, func(ctx context.Context, _ int) error {
		return handler.Handle(ctx, job)
	})
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the run running for Recover.
		log.Warn("dispatch: stage interrupted by shutdown", zap.Error(err))
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resilience.ClassifyError(err))
		var se *model.StageExecutionError
		if !errors.As(err, &se) && !model.IsPermanentStageError(err) {
			err = model.NewStageError(job.Stage, err)
		}
	}

	// Record the terminal status before the dead letter so an operator never
	// sees a DLQ entry for a run that still reads as running.
	if aerr := d.Advance(ctx, job.TenantID, job.RunID, job.Stage, Outcome{Err: err, Attempts: attempts}); aerr != nil {
		log.Error("dispatch: advance", zap.Error(aerr))
	}
	if err == nil {
		return
	}

	entry := resilience.DLQEntry{
		JobID:         job.ID,
		Stage:         job.Stage,
		PipelineRunID: job.RunID,
		CaseID:        job.CaseID,
		TenantID:      job.TenantID,
		Error:         err.Error(),
		ErrorType:     resilience.ClassifyError(err),
		FailedAt:      d.now(),
		AttemptsMade:  attempts,
	}
	if derr := d.dlq.Record(ctx, entry); derr != nil {
		log.Error("dispatch: record dead letter", zap.Error(derr))
		return
	}
	log.Error("dispatch: stage job dead-lettered",
		zap.Int("attempts", attempts),
		zap.String("error_type", entry.ErrorType),
		zap.Error(err),
	)
}

var errSkip = eris.New("dispatch: skip delivery")

// beginWithRetry runs begin under the job's retry budget. Stale deliveries,
// missing runs and permanent errors are not retried.
func (d *Dispatcher) beginWithRetry(ctx context.Context, job Job) error {
	retry := d.opts.Retry
	retry.OnRetry = resilience.RetryLogger(string(job.Stage)+".begin", job.ID)
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, errSkip) && !model.IsNotFound(err) && !resilience.IsPermanent(err)
	}
	_, err := resilience.Do(ctx, retry, func(ctx context.Context, _ int) error {
		return d.begin(ctx, job)
	})
	return err
}

// begin marks the job's stage running. Deliveries for a stage the run is no
// longer waiting on are skipped.
func (d *Dispatcher) begin(ctx context.Context, job Job) error {
	_, err := d.mutateRun(ctx, job.TenantID, job.RunID, func(run *model.PipelineRun) error {
		if run.Status.Terminal() || run.CurrentStage == nil || *run.CurrentStage != job.Stage {
			return errSkip
		}
		now := d.now()
		state := run.Stage(job.Stage)
		state.Status = model.StageStatusRunning
		state.StartedAt = &now
		state.CompletedAt = nil
		state.Error = ""
		run.SetStage(job.Stage, state)
		run.Status = model.RunStatusRunning
		return nil
	})
	return err
}

// mutateRun applies fn to a fresh copy of the run and writes it with the
// version check, reloading on ErrStaleRun.
func (d *Dispatcher) mutateRun(ctx context.Context, tenantID, runID string, fn func(*model.PipelineRun) error) (*model.PipelineRun, error) {
	for range maxCASAttempts {
		run, err := d.runs.GetRun(ctx, tenantID, runID)
		if err != nil {
			return nil, err
		}
		if err := fn(run); err != nil {
			return nil, err
		}
		run.UpdatedAt = d.now()
		err = d.runs.UpdateRun(ctx, run)
		if errors.Is(err, store.ErrStaleRun) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	}
	return nil, eris.Wrapf(store.ErrStaleRun, "dispatch: run %s kept changing", runID)
}
