// Package api is the operator HTTP surface over the document pipeline.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/actions"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/reconcile"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/risk"
	"github.com/sells-group/docintel/internal/stage"
)

// TenantHeader carries the caller's tenant id on every /v1 request.
const TenantHeader = "X-Tenant-ID"

// Store is the slice of the persistence layer the handlers read directly.
type Store interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error)
	ListRunsForCase(ctx context.Context, tenantID, caseID string) ([]model.PipelineRun, error)
	ListFindingsForRun(ctx context.Context, tenantID, runID string) ([]model.Finding, error)
	ListActionsForRun(ctx context.Context, tenantID, runID string) ([]model.Action, error)
}

// Dispatcher starts and retries runs.
type Dispatcher interface {
	Start(ctx context.Context, tenantID, caseID, documentID string) (string, error)
	RetryFromStage(ctx context.Context, tenantID, runID string) (stage.ID, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Store       Store
	Dispatcher  Dispatcher
	Reconciler  *reconcile.Engine
	Actions     *actions.Generator
	Risk        *risk.Service
	DLQ         resilience.DeadLetterStore
	CORSOrigins []string
}

type server struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", TenantHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireTenant)

		r.Post("/documents", s.createDocument)

		r.Get("/cases/{caseID}/runs", s.listRuns)
		r.Get("/cases/{caseID}/findings", s.caseView)
		r.Get("/cases/{caseID}/fields/{fieldKey}/history", s.fieldHistory)
		r.Post("/cases/{caseID}/risk/recalculate", s.recalculateRisk)

		r.Get("/runs/{runID}", s.runDetail)
		r.Post("/runs/{runID}/retry", s.retryRun)

		r.Post("/findings/resolve", s.batchResolve)
		r.Post("/findings/{findingID}/resolve", s.resolveFinding)

		r.Post("/actions/{actionID}/accept", s.acceptAction)
		r.Post("/actions/{actionID}/dismiss", s.dismissAction)

		r.Get("/dlq", s.listDLQ)
		r.Get("/dlq/summary", s.dlqSummary)
		r.Delete("/dlq", s.clearDLQ)
	})
	return r
}

type ctxKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: TenantHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, tenant)))
	})
}

func tenantID(r *http.Request) string {
	t, _ := r.Context().Value(ctxKey{}).(string)
	return t
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps the domain error taxonomy onto status codes. Unexpected
// errors are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case model.IsValidation(err):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case model.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case model.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("tenant_id", tenantID(r)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewValidationError("invalid request body: %v", err)
	}
	return nil
}
