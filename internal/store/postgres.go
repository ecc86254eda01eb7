package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/db"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/stage"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id               TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	practice_area    TEXT NOT NULL,
	risk_score       INTEGER,
	risk_factors     JSONB,
	risk_assessed_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS case_fields (
	tenant_id  TEXT NOT NULL,
	case_id    TEXT NOT NULL,
	field_key  TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, case_id, field_key)
);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id  TEXT NOT NULL,
	case_id    TEXT NOT NULL,
	filename   TEXT NOT NULL,
	media_type TEXT NOT NULL,
	content    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id           TEXT NOT NULL,
	case_id             TEXT NOT NULL,
	document_id         TEXT NOT NULL REFERENCES documents(id),
	status              TEXT NOT NULL DEFAULT 'queued',
	current_stage       TEXT,
	stage_statuses      JSONB NOT NULL,
	classified_doc_type TEXT,
	error               TEXT,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_runs_active_document
	ON pipeline_runs(tenant_id, document_id) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_case ON pipeline_runs(tenant_id, case_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_artifacts (
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id),
	stage      TEXT NOT NULL,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS findings (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id       TEXT NOT NULL,
	case_id         TEXT NOT NULL,
	document_id     TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
	category_key    TEXT NOT NULL,
	field_key       TEXT NOT NULL,
	value           TEXT NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	impact          TEXT NOT NULL,
	status          TEXT NOT NULL,
	existing_value  TEXT,
	source_quote    TEXT,
	resolved_by     TEXT,
	resolved_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pipeline_run_id, field_key)
);

CREATE INDEX IF NOT EXISTS idx_findings_case_field ON findings(tenant_id, case_id, field_key, created_at DESC);

CREATE TABLE IF NOT EXISTS actions (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id        TEXT NOT NULL,
	case_id          TEXT NOT NULL,
	pipeline_run_id  TEXT NOT NULL REFERENCES pipeline_runs(id),
	action_type      TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	is_deterministic BOOLEAN NOT NULL,
	dedupe_key       TEXT NOT NULL,
	finding_id       TEXT,
	due_date         TEXT,
	resolved_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pipeline_run_id, dedupe_key)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id  TEXT NOT NULL,
	case_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_events_case ON audit_events(tenant_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id          TEXT NOT NULL,
	stage           TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL,
	case_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL DEFAULT 'stage',
	attempts_made   INTEGER NOT NULL,
	failed_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_stage ON dead_letter_queue(stage, failed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Documents

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, tenant_id, case_id, filename, media_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.TenantID, doc.CaseID, doc.Filename, doc.MediaType, doc.Content, doc.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	var d model.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, case_id, filename, media_type, content, created_at
		 FROM documents WHERE id = $1 AND tenant_id = $2`,
		documentID, tenantID,
	).Scan(&d.ID, &d.TenantID, &d.CaseID, &d.Filename, &d.MediaType, &d.Content, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("document", documentID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", documentID)
	}
	return &d, nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	if run.Version == 0 {
		run.Version = 1
	}
	statuses, err := json.Marshal(run.StageStatuses)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage statuses")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.TenantID, run.CaseID, run.DocumentID, string(run.Status),
		stagePtr(run.CurrentStage), statuses, run.ClassifiedDocType, run.Error,
		run.Version, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isActiveRunViolation(err) {
			return model.NewConflictError("document %s already has an active pipeline run", run.DocumentID)
		}
		return eris.Wrap(err, "postgres: insert run")
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
	)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("pipeline_run", runID)
	}
	return r, err
}

func (s *PostgresStore) ListRunsForCase(ctx context.Context, tenantID, caseID string) ([]model.PipelineRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE tenant_id = $1 AND case_id = $2
		 ORDER BY created_at DESC`,
		tenantID, caseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListActiveRuns(ctx context.Context) ([]model.PipelineRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE status IN ('queued', 'running')
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list active runs iterate")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.PipelineRun) error {
	statuses, err := json.Marshal(run.StageStatuses)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage statuses")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = $1, current_stage = $2, stage_statuses = $3, classified_doc_type = $4,
		     error = $5, version = version + 1, updated_at = $6
		 WHERE id = $7 AND tenant_id = $8 AND version = $9`,
		string(run.Status), stagePtr(run.CurrentStage), statuses, run.ClassifiedDocType,
		run.Error, now, run.ID, run.TenantID, run.Version,
	)
	if err != nil {
		if isActiveRunViolation(err) {
			return model.NewConflictError("document %s already has an active pipeline run", run.DocumentID)
		}
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRun
	}
	run.Version++
	run.UpdatedAt = now
	return nil
}

// Stage artifacts

func (s *PostgresStore) PutArtifact(ctx context.Context, a model.Artifact) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	upsert, err := db.UpsertSQL(artifactUpsert(db.Dollar))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsert, a.RunID, string(a.Stage), a.Data, a.UpdatedAt)
	return eris.Wrap(err, "postgres: put artifact")
}

func (s *PostgresStore) GetArtifact(ctx context.Context, runID string, st stage.ID) (*model.Artifact, error) {
	var a model.Artifact
	var stageName string
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, stage, data, updated_at FROM run_artifacts WHERE run_id = $1 AND stage = $2`,
		runID, string(st),
	).Scan(&a.RunID, &stageName, &a.Data, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("artifact", runID+"/"+string(st))
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get artifact")
	}
	a.Stage = stage.ID(stageName)
	return &a, nil
}

// Findings

func (s *PostgresStore) UpsertFindings(ctx context.Context, findings []model.Finding) error {
	rows := make([][]any, len(findings))
	for i, f := range findings {
		rows[i] = findingRow(f)
	}
	_, err := db.BulkUpsert(ctx, s.pool, findingUpsert(db.Dollar), rows)
	return eris.Wrap(err, "postgres: upsert findings")
}

func (s *PostgresStore) GetFinding(ctx context.Context, tenantID, findingID string) (*model.Finding, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = $1 AND tenant_id = $2`,
		findingID, tenantID,
	)
	f, err := scanFinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("finding", findingID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get finding")
	}
	return f, nil
}

func (s *PostgresStore) ListFindingsForRun(ctx context.Context, tenantID, runID string) ([]model.Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = $1 AND pipeline_run_id = $2
		 ORDER BY category_key, field_key`,
		tenantID, runID,
	)
}

func (s *PostgresStore) ListFindingsForCase(ctx context.Context, tenantID, caseID string) ([]model.Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = $1 AND case_id = $2
		 ORDER BY category_key, field_key, created_at DESC`,
		tenantID, caseID,
	)
}

func (s *PostgresStore) FieldHistory(ctx context.Context, tenantID, caseID, fieldKey string) ([]model.Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = $1 AND case_id = $2 AND field_key = $3
		 ORDER BY created_at DESC`,
		tenantID, caseID, fieldKey,
	)
}

func (s *PostgresStore) queryFindings(ctx context.Context, query string, args ...any) ([]model.Finding, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query findings iterate")
}

func (s *PostgresStore) ApplyFindings(ctx context.Context, findings []model.Finding, redecide Redecide) ([]model.Finding, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	upsert, err := db.UpsertSQL(findingUpsert(db.Dollar))
	if err != nil {
		return nil, err
	}
	claim, err := db.UpsertSQL(caseFieldClaim(db.Dollar))
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin apply findings")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		if claimsField(f) {
			tag, err := tx.Exec(ctx, claim, f.TenantID, f.CaseID, f.FieldKey, f.Value, time.Now().UTC())
			if err != nil {
				return nil, eris.Wrapf(err, "postgres: claim field %s", f.FieldKey)
			}
			if tag.RowsAffected() == 0 {
				recorded, err := pgFieldValue(ctx, tx, f.TenantID, f.CaseID, f.FieldKey, "")
				if err != nil {
					return nil, err
				}
				if recorded != nil {
					f = redecide(f, *recorded)
				}
			}
		}
		if _, err := tx.Exec(ctx, upsert, findingRow(f)...); err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert finding %s", f.FieldKey)
		}
		out = append(out, f)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit apply findings")
	}
	return out, nil
}

func (s *PostgresStore) ResolveFinding(ctx context.Context, res FindingResolution) (model.FindingStatus, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: begin resolve finding")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var caseID, fieldKey, value string
	err = tx.QueryRow(ctx,
		`SELECT case_id, field_key, value FROM findings
		 WHERE id = $1 AND tenant_id = $2 AND status = $3 AND resolved_at IS NULL
		 FOR UPDATE`,
		res.FindingID, res.TenantID, string(res.From),
	).Scan(&caseID, &fieldKey, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: load finding %s", res.FindingID)
	}

	to := res.To
	if res.WriteBack {
		recorded, err := pgFieldValue(ctx, tx, res.TenantID, caseID, fieldKey, " FOR UPDATE")
		if err != nil {
			return "", false, err
		}
		to = res.target(recorded, value)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE findings SET status = $1, resolved_by = $2, resolved_at = $3
		 WHERE id = $4 AND tenant_id = $5 AND status = $6 AND resolved_at IS NULL`,
		string(to), res.ResolvedBy, res.ResolvedAt,
		res.FindingID, res.TenantID, string(res.From),
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: resolve finding %s", res.FindingID)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}

	if res.WriteBack {
		upsert, err := db.UpsertSQL(caseFieldUpsert(db.Dollar))
		if err != nil {
			return "", false, err
		}
		if _, err := tx.Exec(ctx, upsert, res.TenantID, caseID, fieldKey, value, time.Now().UTC()); err != nil {
			return "", false, eris.Wrapf(err, "postgres: write back field %s", fieldKey)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, eris.Wrap(err, "postgres: commit resolve finding")
	}
	return to, true, nil
}

// Actions

func (s *PostgresStore) ReplaceActions(ctx context.Context, tenantID, runID string, actions []model.Action) error {
	upsert, err := db.UpsertSQL(actionUpsert(db.Dollar))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace actions")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM actions
		 WHERE tenant_id = $1 AND pipeline_run_id = $2 AND status = $3
		   AND (is_deterministic = false OR NOT (dedupe_key = ANY($4)))`,
		tenantID, runID, string(model.ActionPending), dedupeKeys(actions),
	); err != nil {
		return eris.Wrap(err, "postgres: delete stale pending actions")
	}
	for _, a := range actions {
		if _, err := tx.Exec(ctx, upsert, actionRow(a)...); err != nil {
			return eris.Wrapf(err, "postgres: upsert action %s", a.DedupeKey)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace actions")
}

func (s *PostgresStore) GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1 AND tenant_id = $2`,
		actionID, tenantID,
	)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("action", actionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get action")
	}
	return a, nil
}

func (s *PostgresStore) ListActionsForRun(ctx context.Context, tenantID, runID string) ([]model.Action, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE tenant_id = $1 AND pipeline_run_id = $2
		 ORDER BY priority, dedupe_key`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list actions")
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan action")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list actions iterate")
}

func (s *PostgresStore) ResolveAction(ctx context.Context, tenantID, actionID string, to model.ActionStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE actions SET status = $1, resolved_at = $2
		 WHERE id = $3 AND tenant_id = $4 AND status = $5`,
		string(to), at, actionID, tenantID, string(model.ActionPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: resolve action %s", actionID)
	}
	return tag.RowsAffected() == 1, nil
}

// Case data

func (s *PostgresStore) EnsureCase(ctx context.Context, tenantID, caseID, practiceArea string) (*model.CaseRecord, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO cases (id, tenant_id, practice_area, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, id) DO NOTHING`,
		caseID, tenantID, practiceArea, time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure case %s", caseID)
	}
	return s.GetCase(ctx, tenantID, caseID)
}

func (s *PostgresStore) GetCase(ctx context.Context, tenantID, caseID string) (*model.CaseRecord, error) {
	var c model.CaseRecord
	var score *int
	var factors []byte
	var assessedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, practice_area, risk_score, risk_factors, risk_assessed_at
		 FROM cases WHERE id = $1 AND tenant_id = $2`,
		caseID, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.PracticeArea, &score, &factors, &assessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("case", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get case %s", caseID)
	}
	if score != nil {
		c.Risk = &model.RiskAssessment{Score: *score}
		if assessedAt != nil {
			c.Risk.AssessedAt = *assessedAt
		}
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &c.Risk.Factors); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal risk factors")
			}
		}
	}
	return &c, nil
}

func (s *PostgresStore) GetFieldValue(ctx context.Context, tenantID, caseID, fieldKey string) (*string, error) {
	return pgFieldValue(ctx, s.pool, tenantID, caseID, fieldKey, "")
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgFieldValue reads one case field; lock is appended to the query, e.g.
// " FOR UPDATE" inside a transaction.
func pgFieldValue(ctx context.Context, q pgQueryer, tenantID, caseID, fieldKey, lock string) (*string, error) {
	var v string
	err := q.QueryRow(ctx,
		`SELECT value FROM case_fields WHERE tenant_id = $1 AND case_id = $2 AND field_key = $3`+lock,
		tenantID, caseID, fieldKey,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get field %s", fieldKey)
	}
	return &v, nil
}

func (s *PostgresStore) SetFieldValue(ctx context.Context, tenantID, caseID, fieldKey, value string) error {
	upsert, err := db.UpsertSQL(caseFieldUpsert(db.Dollar))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsert, tenantID, caseID, fieldKey, value, time.Now().UTC())
	return eris.Wrapf(err, "postgres: set field %s", fieldKey)
}

func (s *PostgresStore) SaveRiskAssessment(ctx context.Context, tenantID, caseID string, ra model.RiskAssessment) error {
	factors, err := json.Marshal(ra.Factors)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal risk factors")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET risk_score = $1, risk_factors = $2, risk_assessed_at = $3
		 WHERE id = $4 AND tenant_id = $5`,
		ra.Score, factors, ra.AssessedAt, caseID, tenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save risk %s", caseID)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("case", caseID)
	}
	return nil
}

// Audit

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e model.AuditEvent) error {
	e = auditDefaults(e)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, tenant_id, case_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.CaseID, e.EventType, []byte(e.Payload), e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append audit event")
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID, caseID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, case_id, event_type, payload, created_at FROM audit_events
		 WHERE tenant_id = $1 AND case_id = $2
		 ORDER BY created_at`,
		tenantID, caseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CaseID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit events iterate")
}

// Dead letter queue

func (s *PostgresStore) InsertDLQEntry(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, stage, pipeline_run_id, case_id, tenant_id, error, error_type, attempts_made, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, string(e.Stage), e.PipelineRunID, e.CaseID, e.TenantID,
		e.Error, e.ErrorType, e.AttemptsMade, e.FailedAt,
	)
	return eris.Wrap(err, "postgres: insert dlq entry")
}

func (s *PostgresStore) ListDLQEntries(ctx context.Context, st stage.ID) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, stage, pipeline_run_id, case_id, tenant_id, error, error_type, attempts_made, failed_at
		 FROM dead_letter_queue
		 WHERE $1 = '' OR stage = $1
		 ORDER BY failed_at DESC`,
		string(st),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var stageName string
		if err := rows.Scan(&e.ID, &e.JobID, &stageName, &e.PipelineRunID, &e.CaseID, &e.TenantID,
			&e.Error, &e.ErrorType, &e.AttemptsMade, &e.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Stage = stage.ID(stageName)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) CountDLQByStage(ctx context.Context) (map[stage.ID]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, COUNT(*) FROM dead_letter_queue GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count dlq")
	}
	defer rows.Close()

	counts := make(map[stage.ID]int)
	for rows.Next() {
		var stageName string
		var n int
		if err := rows.Scan(&stageName, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq count")
		}
		counts[stage.ID(stageName)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count dlq iterate")
}

func (s *PostgresStore) DeleteDLQEntries(ctx context.Context, st stage.ID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letter_queue WHERE $1 = '' OR stage = $1`,
		string(st),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete dlq")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func isActiveRunViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeRunIndex
}

func scanPostgresRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var status string
	var current *string
	var statuses []byte

	err := row.Scan(&r.ID, &r.TenantID, &r.CaseID, &r.DocumentID, &status, &current, &statuses,
		&r.ClassifiedDocType, &r.Error, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Status = model.RunStatus(status)
	if current != nil {
		id := stage.ID(*current)
		r.CurrentStage = &id
	}
	if err := json.Unmarshal(statuses, &r.StageStatuses); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stage statuses")
	}
	return &r, nil
}
