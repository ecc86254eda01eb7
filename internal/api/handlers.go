package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/risk"
	"github.com/sells-group/docintel/internal/stage"
)

type createDocumentRequest struct {
	CaseID        string `json:"case_id"`
	Filename      string `json:"filename"`
	MediaType     string `json:"media_type"`
	ContentBase64 string `json:"content_base64"`
}

func (s *server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CaseID == "" || req.MediaType == "" {
		writeError(w, r, model.NewValidationError("case_id and media_type are required"))
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, r, model.NewValidationError("content_base64: %v", err))
		return
	}

	doc := &model.Document{
		TenantID:  tenantID(r),
		CaseID:    req.CaseID,
		Filename:  req.Filename,
		MediaType: req.MediaType,
		Content:   content,
	}
	if err := s.Store.CreateDocument(r.Context(), doc); err != nil {
		writeError(w, r, err)
		return
	}
	runID, err := s.Dispatcher.Start(r.Context(), doc.TenantID, doc.CaseID, doc.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": doc.ID, "run_id": runID})
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.ListRunsForCase(r.Context(), tenantID(r), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) runDetail(w http.ResponseWriter, r *http.Request) {
	ctx, tenant, runID := r.Context(), tenantID(r), chi.URLParam(r, "runID")
	run, err := s.Store.GetRun(ctx, tenant, runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	findings, err := s.Store.ListFindingsForRun(ctx, tenant, runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	acts, err := s.Store.ListActionsForRun(ctx, tenant, runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	if acts == nil {
		acts = []model.Action{}
	}
	writeJSON(w, http.StatusOK, model.RunDetail{Run: *run, Findings: findings, Actions: acts})
}

func (s *server) retryRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	st, err := s.Dispatcher.RetryFromStage(r.Context(), tenantID(r), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "stage": string(st)})
}

func (s *server) caseView(w http.ResponseWriter, r *http.Request) {
	view, err := s.Reconciler.CaseView(r.Context(), tenantID(r), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) fieldHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.Reconciler.FieldHistory(r.Context(), tenantID(r),
		chi.URLParam(r, "caseID"), chi.URLParam(r, "fieldKey"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []model.Finding{}
	}
	writeJSON(w, http.StatusOK, history)
}

type resolveRequest struct {
	FindingIDs []string       `json:"finding_ids,omitempty"`
	Decision   model.Decision `json:"decision"`
	ResolvedBy string         `json:"resolved_by"`
}

func (s *server) resolveFinding(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	f, err := s.Reconciler.Resolve(r.Context(), tenantID(r), chi.URLParam(r, "findingID"), req.Decision, req.ResolvedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *server) batchResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.Reconciler.BatchResolve(r.Context(), tenantID(r), req.FindingIDs, req.Decision, req.ResolvedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *server) acceptAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.Actions.Accept(r.Context(), tenantID(r), chi.URLParam(r, "actionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) dismissAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.Actions.Dismiss(r.Context(), tenantID(r), chi.URLParam(r, "actionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) recalculateRisk(w http.ResponseWriter, r *http.Request) {
	ra, err := s.Risk.Recalculate(r.Context(), tenantID(r), chi.URLParam(r, "caseID"), risk.TriggerManual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ra)
}

// stageParam reads the optional ?stage= filter. Empty means all stages.
func stageParam(r *http.Request) (stage.ID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("stage"))
	if raw == "" {
		return "", nil
	}
	st, ok := stage.Parse(raw)
	if !ok {
		return "", model.NewValidationError("unknown stage %q", raw)
	}
	return st, nil
}

func (s *server) listDLQ(w http.ResponseWriter, r *http.Request) {
	st, err := stageParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.DLQ.List(r.Context(), st)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) dlqSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.DLQ.Summary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) clearDLQ(w http.ResponseWriter, r *http.Request) {
	st, err := stageParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.DLQ.Clear(r.Context(), st)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
