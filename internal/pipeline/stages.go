package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/ai"
	"github.com/sells-group/docintel/internal/dispatch"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/risk"
	"github.com/sells-group/docintel/internal/stage"
)

// IntakeResult is the intake artifact.
type IntakeResult struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Size      int    `json:"size"`
	SHA256    string `json:"sha256"`
}

// mediaTypeChecker is implemented by extractors that can reject a media type
// without reading the blob.
type mediaTypeChecker interface {
	Supports(mediaType string) bool
}

// intake validates the document and makes sure the case exists.
func (p *Pipeline) intake(ctx context.Context, job dispatch.Job) error {
	doc, err := p.document(ctx, job)
	if err != nil {
		return err
	}
	if doc.CaseID != job.CaseID {
		return model.NewPermanentStageError(job.Stage,
			eris.Errorf("document %s belongs to case %s, not %s", doc.ID, doc.CaseID, job.CaseID))
	}
	if len(doc.Content) == 0 {
		return model.NewPermanentStageError(job.Stage, eris.Errorf("document %s is empty", doc.ID))
	}
	if c, ok := p.Extractor.(mediaTypeChecker); ok && !c.Supports(doc.MediaType) {
		return eris.Wrapf(model.ErrUnsupportedFormat, "intake: %q", doc.MediaType)
	}
	if _, err := p.Store.EnsureCase(ctx, job.TenantID, job.CaseID, p.DefaultArea); err != nil {
		return eris.Wrap(err, "intake: ensure case")
	}

	sum := sha256.Sum256(doc.Content)
	return p.putJSON(ctx, job, IntakeResult{
		Filename:  doc.Filename,
		MediaType: doc.MediaType,
		Size:      len(doc.Content),
		SHA256:    hex.EncodeToString(sum[:]),
	})
}

// ocr extracts the document text. The artifact is the raw text.
func (p *Pipeline) ocr(ctx context.Context, job dispatch.Job) error {
	doc, err := p.document(ctx, job)
	if err != nil {
		return err
	}
	text, err := p.Extractor.ExtractText(ctx, doc.Content, doc.MediaType)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return model.NewPermanentStageError(job.Stage, eris.Errorf("no text extracted from %s", doc.Filename))
	}
	zap.L().Debug("pipeline: text extracted", zap.String("run_id", job.RunID), zap.Int("chars", len(text)))
	return p.Store.PutArtifact(ctx, model.Artifact{RunID: job.RunID, Stage: job.Stage, Data: []byte(text)})
}

// classify picks the document type and records it on the run.
func (p *Pipeline) classify(ctx context.Context, job dispatch.Job) error {
	text, err := p.input(ctx, job, stage.OCR)
	if err != nil {
		return err
	}
	area, err := p.area(ctx, job)
	if err != nil {
		return err
	}
	c, err := p.Classifier.Classify(ctx, string(text), area)
	if err != nil {
		return err
	}
	if err := p.putJSON(ctx, job, c); err != nil {
		return err
	}
	_, err = p.updateRun(ctx, job, func(run *model.PipelineRun) {
		dt := c.DocType
		run.ClassifiedDocType = &dt
	})
	return err
}

// extract produces candidate field values for the case's practice area.
func (p *Pipeline) extract(ctx context.Context, job dispatch.Job) error {
	text, err := p.input(ctx, job, stage.OCR)
	if err != nil {
		return err
	}
	var c ai.Classification
	if err := p.inputJSON(ctx, job, stage.Classify, &c); err != nil {
		return err
	}
	area, err := p.area(ctx, job)
	if err != nil {
		return err
	}
	fields, err := p.Fields.ExtractFields(ctx, string(text), c.DocType, area)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = []model.ExtractedField{}
	}
	return p.putJSON(ctx, job, fields)
}

// reconcile turns the extracted fields into findings.
func (p *Pipeline) reconcile(ctx context.Context, job dispatch.Job) error {
	var fields []model.ExtractedField
	if err := p.inputJSON(ctx, job, stage.Extract, &fields); err != nil {
		return err
	}
	run, err := p.Store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return err
	}
	_, err = p.Reconciler.Reconcile(ctx, run, fields)
	return err
}

// actions generates follow-ups and refreshes the case risk score.
func (p *Pipeline) actions(ctx context.Context, job dispatch.Job) error {
	run, err := p.Store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return err
	}
	findings, err := p.Store.ListFindingsForRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return err
	}
	area, err := p.area(ctx, job)
	if err != nil {
		return err
	}
	if _, err := p.Actions.Generate(ctx, run, area, findings); err != nil {
		return err
	}
	_, err = p.Risk.Recalculate(ctx, job.TenantID, job.CaseID, risk.TriggerPipeline)
	return err
}

func (p *Pipeline) document(ctx context.Context, job dispatch.Job) (*model.Document, error) {
	doc, err := p.Store.GetDocument(ctx, job.TenantID, job.DocumentID)
	if model.IsNotFound(err) {
		return nil, model.NewPermanentStageError(job.Stage, err)
	}
	return doc, err
}
