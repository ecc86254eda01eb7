// Package pipeline holds the six stage handlers the dispatcher runs. Every
// handler computes its result and upserts it by (run id, stage), so a
// redelivered job overwrites instead of appending.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/actions"
	"github.com/sells-group/docintel/internal/ai"
	"github.com/sells-group/docintel/internal/dispatch"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/ocr"
	"github.com/sells-group/docintel/internal/reconcile"
	"github.com/sells-group/docintel/internal/risk"
	"github.com/sells-group/docintel/internal/stage"
	"github.com/sells-group/docintel/internal/store"
	"github.com/sells-group/docintel/internal/taxonomy"
)

// Store is the slice of the persistence layer the handlers read and write
// directly. Reconciliation, actions and risk go through their own services.
type Store interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (*model.Document, error)
	GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error)
	UpdateRun(ctx context.Context, run *model.PipelineRun) error
	EnsureCase(ctx context.Context, tenantID, caseID, practiceArea string) (*model.CaseRecord, error)
	GetCase(ctx context.Context, tenantID, caseID string) (*model.CaseRecord, error)
	PutArtifact(ctx context.Context, a model.Artifact) error
	GetArtifact(ctx context.Context, runID string, st stage.ID) (*model.Artifact, error)
	ListFindingsForRun(ctx context.Context, tenantID, runID string) ([]model.Finding, error)
}

// Deps are the collaborators of the stage handlers.
type Deps struct {
	Store       Store
	Extractor   ocr.Extractor
	Classifier  ai.Classifier
	Fields      ai.FieldExtractor
	Taxonomy    *taxonomy.Pack
	DefaultArea string
	Reconciler  *reconcile.Engine
	Actions     *actions.Generator
	Risk        *risk.Service
}

// Pipeline executes stages for the dispatcher.
type Pipeline struct {
	Deps
}

// New validates deps and creates the stage handlers.
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, eris.New("pipeline: store is required")
	case d.Extractor == nil:
		return nil, eris.New("pipeline: text extractor is required")
	case d.Classifier == nil || d.Fields == nil:
		return nil, eris.New("pipeline: classifier and field extractor are required")
	case d.Taxonomy == nil:
		return nil, eris.New("pipeline: taxonomy is required")
	case d.Reconciler == nil || d.Actions == nil || d.Risk == nil:
		return nil, eris.New("pipeline: reconciler, action generator and risk service are required")
	}
	if d.DefaultArea == "" {
		d.DefaultArea = "general"
	}
	return &Pipeline{Deps: d}, nil
}

// Handlers maps every stage to its handler.
func (p *Pipeline) Handlers() map[stage.ID]dispatch.Handler {
	return map[stage.ID]dispatch.Handler{
		stage.Intake:    dispatch.HandlerFunc(p.intake),
		stage.OCR:       dispatch.HandlerFunc(p.ocr),
		stage.Classify:  dispatch.HandlerFunc(p.classify),
		stage.Extract:   dispatch.HandlerFunc(p.extract),
		stage.Reconcile: dispatch.HandlerFunc(p.reconcile),
		stage.Actions:   dispatch.HandlerFunc(p.actions),
	}
}

// area resolves the taxonomy for the job's case.
func (p *Pipeline) area(ctx context.Context, job dispatch.Job) (taxonomy.PracticeArea, error) {
	c, err := p.Store.GetCase(ctx, job.TenantID, job.CaseID)
	if err != nil {
		return taxonomy.PracticeArea{}, err
	}
	a, err := p.Taxonomy.AreaOrDefault(c.PracticeArea, p.DefaultArea)
	if err != nil {
		return taxonomy.PracticeArea{}, model.NewPermanentStageError(job.Stage, err)
	}
	return a, nil
}

func (p *Pipeline) putJSON(ctx context.Context, job dispatch.Job, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "pipeline: marshal %s artifact", job.Stage)
	}
	return p.Store.PutArtifact(ctx, model.Artifact{RunID: job.RunID, Stage: job.Stage, Data: data})
}

// input loads the artifact an earlier stage of the same run produced. A
// missing artifact means the run state is inconsistent and retrying the
// stage cannot help.
func (p *Pipeline) input(ctx context.Context, job dispatch.Job, from stage.ID) ([]byte, error) {
	a, err := p.Store.GetArtifact(ctx, job.RunID, from)
	if model.IsNotFound(err) {
		return nil, model.NewPermanentStageError(job.Stage, eris.Wrapf(err, "missing %s output", from))
	}
	if err != nil {
		return nil, err
	}
	return a.Data, nil
}

func (p *Pipeline) inputJSON(ctx context.Context, job dispatch.Job, from stage.ID, v any) error {
	data, err := p.input(ctx, job, from)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.NewPermanentStageError(job.Stage, eris.Wrapf(err, "decode %s output", from))
	}
	return nil
}

// maxRunCAS bounds reload loops when a handler writes run columns.
const maxRunCAS = 10

// updateRun applies fn to a fresh copy of the run with the version check.
func (p *Pipeline) updateRun(ctx context.Context, job dispatch.Job, fn func(*model.PipelineRun)) (*model.PipelineRun, error) {
	for range maxRunCAS {
		run, err := p.Store.GetRun(ctx, job.TenantID, job.RunID)
		if err != nil {
			return nil, err
		}
		fn(run)
		err = p.Store.UpdateRun(ctx, run)
		if errors.Is(err, store.ErrStaleRun) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	}
	return nil, eris.Wrapf(store.ErrStaleRun, "pipeline: run %s kept changing", job.RunID)
}
