package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docintel/internal/db"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/stage"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection keeps pragmas and
	// transactions on the same handle.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id               TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	practice_area    TEXT NOT NULL,
	risk_score       INTEGER,
	risk_factors     TEXT,
	risk_assessed_at DATETIME,
	created_at       DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS case_fields (
	tenant_id  TEXT NOT NULL,
	case_id    TEXT NOT NULL,
	field_key  TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, case_id, field_key)
);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	case_id    TEXT NOT NULL,
	filename   TEXT NOT NULL,
	media_type TEXT NOT NULL,
	content    BLOB NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	case_id             TEXT NOT NULL,
	document_id         TEXT NOT NULL,
	status              TEXT NOT NULL,
	current_stage       TEXT,
	stage_statuses      TEXT NOT NULL,
	classified_doc_type TEXT,
	error               TEXT,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_runs_active_document
	ON pipeline_runs(tenant_id, document_id) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_case ON pipeline_runs(tenant_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS run_artifacts (
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS findings (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	case_id         TEXT NOT NULL,
	document_id     TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL,
	category_key    TEXT NOT NULL,
	field_key       TEXT NOT NULL,
	value           TEXT NOT NULL,
	confidence      REAL NOT NULL,
	impact          TEXT NOT NULL,
	status          TEXT NOT NULL,
	existing_value  TEXT,
	source_quote    TEXT,
	resolved_by     TEXT,
	resolved_at     DATETIME,
	created_at      DATETIME NOT NULL,
	UNIQUE (pipeline_run_id, field_key)
);

CREATE INDEX IF NOT EXISTS idx_findings_case_field ON findings(tenant_id, case_id, field_key, created_at);

CREATE TABLE IF NOT EXISTS actions (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	case_id          TEXT NOT NULL,
	pipeline_run_id  TEXT NOT NULL,
	action_type      TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	status           TEXT NOT NULL,
	is_deterministic BOOLEAN NOT NULL,
	dedupe_key       TEXT NOT NULL,
	finding_id       TEXT,
	due_date         TEXT,
	resolved_at      DATETIME,
	created_at       DATETIME NOT NULL,
	UNIQUE (pipeline_run_id, dedupe_key)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	case_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_case ON audit_events(tenant_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	stage           TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL,
	case_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL,
	attempts_made   INTEGER NOT NULL,
	failed_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_stage ON dead_letter_queue(stage, failed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Documents

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, tenant_id, case_id, filename, media_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, doc.CaseID, doc.Filename, doc.MediaType, doc.Content, doc.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, case_id, filename, media_type, content, created_at
		 FROM documents WHERE id = ? AND tenant_id = ?`,
		documentID, tenantID,
	).Scan(&d.ID, &d.TenantID, &d.CaseID, &d.Filename, &d.MediaType, &d.Content, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("document", documentID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", documentID)
	}
	return &d, nil
}

// Runs

const runColumns = `id, tenant_id, case_id, document_id, status, current_stage, stage_statuses,
	classified_doc_type, error, version, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	if run.Version == 0 {
		run.Version = 1
	}
	statuses, err := json.Marshal(run.StageStatuses)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage statuses")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.CaseID, run.DocumentID, string(run.Status),
		stagePtr(run.CurrentStage), string(statuses), run.ClassifiedDocType, run.Error,
		run.Version, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return model.NewConflictError("document %s already has an active pipeline run", run.DocumentID)
		}
		return eris.Wrap(err, "sqlite: insert run")
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ? AND tenant_id = ?`,
		runID, tenantID,
	)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("pipeline_run", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRunsForCase(ctx context.Context, tenantID, caseID string) ([]model.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE tenant_id = ? AND case_id = ?
		 ORDER BY created_at DESC, rowid DESC`,
		tenantID, caseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]model.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE status IN ('queued', 'running')
		 ORDER BY created_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list active runs iterate")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.PipelineRun) error {
	statuses, err := json.Marshal(run.StageStatuses)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage statuses")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET status = ?, current_stage = ?, stage_statuses = ?, classified_doc_type = ?,
		     error = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND version = ?`,
		string(run.Status), stagePtr(run.CurrentStage), string(statuses), run.ClassifiedDocType,
		run.Error, now, run.ID, run.TenantID, run.Version,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return model.NewConflictError("document %s already has an active pipeline run", run.DocumentID)
		}
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrStaleRun
	}
	run.Version++
	run.UpdatedAt = now
	return nil
}

// Stage artifacts

func (s *SQLiteStore) PutArtifact(ctx context.Context, a model.Artifact) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	upsert, err := db.UpsertSQL(artifactUpsert(db.Question))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsert, a.RunID, string(a.Stage), a.Data, a.UpdatedAt)
	return eris.Wrap(err, "sqlite: put artifact")
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, runID string, st stage.ID) (*model.Artifact, error) {
	var a model.Artifact
	var stageName string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, stage, data, updated_at FROM run_artifacts WHERE run_id = ? AND stage = ?`,
		runID, string(st),
	).Scan(&a.RunID, &stageName, &a.Data, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("artifact", runID+"/"+string(st))
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get artifact")
	}
	a.Stage = stage.ID(stageName)
	return &a, nil
}

// Findings

func (s *SQLiteStore) UpsertFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	upsert, err := db.UpsertSQL(findingUpsert(db.Question))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert findings")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range findings {
		if _, err := tx.ExecContext(ctx, upsert, findingRow(f)...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert finding %s", f.FieldKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert findings")
}

func (s *SQLiteStore) GetFinding(ctx context.Context, tenantID, findingID string) (*model.Finding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = ? AND tenant_id = ?`,
		findingID, tenantID,
	)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("finding", findingID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get finding")
	}
	return f, nil
}

func (s *SQLiteStore) ListFindingsForRun(ctx context.Context, tenantID, runID string) ([]model.Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = ? AND pipeline_run_id = ?
		 ORDER BY category_key, field_key`,
		tenantID, runID,
	)
}

func (s *SQLiteStore) ListFindingsForCase(ctx context.Context, tenantID, caseID string) ([]model.Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = ? AND case_id = ?
		 ORDER BY category_key, field_key, created_at DESC, rowid DESC`,
		tenantID, caseID,
	)
}

func (s *SQLiteStore) FieldHistory(ctx context.Context, tenantID, caseID, fieldKey string) ([]model.Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = ? AND case_id = ? AND field_key = ?
		 ORDER BY created_at DESC, rowid DESC`,
		tenantID, caseID, fieldKey,
	)
}

func (s *SQLiteStore) queryFindings(ctx context.Context, query string, args ...any) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query findings iterate")
}

func (s *SQLiteStore) ApplyFindings(ctx context.Context, findings []model.Finding, redecide Redecide) ([]model.Finding, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	upsert, err := db.UpsertSQL(findingUpsert(db.Question))
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin apply findings")
	}
	defer tx.Rollback() //nolint:errcheck

	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		if claimsField(f) {
			claimed, err := sqliteClaimField(ctx, tx, f.TenantID, f.CaseID, f.FieldKey, f.Value)
			if err != nil {
				return nil, err
			}
			if !claimed {
				recorded, err := sqliteFieldValue(ctx, tx, f.TenantID, f.CaseID, f.FieldKey)
				if err != nil {
					return nil, err
				}
				if recorded != nil {
					f = redecide(f, *recorded)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, upsert, findingRow(f)...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert finding %s", f.FieldKey)
		}
		out = append(out, f)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit apply findings")
	}
	return out, nil
}

func (s *SQLiteStore) ResolveFinding(ctx context.Context, res FindingResolution) (model.FindingStatus, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: begin resolve finding")
	}
	defer tx.Rollback() //nolint:errcheck

	var caseID, fieldKey, value string
	err = tx.QueryRowContext(ctx,
		`SELECT case_id, field_key, value FROM findings
		 WHERE id = ? AND tenant_id = ? AND status = ? AND resolved_at IS NULL`,
		res.FindingID, res.TenantID, string(res.From),
	).Scan(&caseID, &fieldKey, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: load finding %s", res.FindingID)
	}

	to := res.To
	if res.WriteBack {
		recorded, err := sqliteFieldValue(ctx, tx, res.TenantID, caseID, fieldKey)
		if err != nil {
			return "", false, err
		}
		to = res.target(recorded, value)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE findings SET status = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ? AND resolved_at IS NULL`,
		string(to), res.ResolvedBy, res.ResolvedAt,
		res.FindingID, res.TenantID, string(res.From),
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: resolve finding %s", res.FindingID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return "", false, nil
	}

	if res.WriteBack {
		if err := sqliteSetField(ctx, tx, res.TenantID, caseID, fieldKey, value); err != nil {
			return "", false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, eris.Wrap(err, "sqlite: commit resolve finding")
	}
	return to, true, nil
}

// Actions

func (s *SQLiteStore) ReplaceActions(ctx context.Context, tenantID, runID string, actions []model.Action) error {
	upsert, err := db.UpsertSQL(actionUpsert(db.Question))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace actions")
	}
	defer tx.Rollback() //nolint:errcheck

	// Pending proposals are always replaced; pending deterministic actions
	// survive only while the new set still carries their dedupe key.
	query := `DELETE FROM actions
		 WHERE tenant_id = ? AND pipeline_run_id = ? AND status = ?`
	args := []any{tenantID, runID, string(model.ActionPending)}
	if keys := dedupeKeys(actions); len(keys) > 0 {
		query += ` AND (is_deterministic = ? OR dedupe_key NOT IN (?` + strings.Repeat(", ?", len(keys)-1) + `))`
		args = append(args, false)
		for _, k := range keys {
			args = append(args, k)
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return eris.Wrap(err, "sqlite: delete stale pending actions")
	}
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, upsert, actionRow(a)...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert action %s", a.DedupeKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace actions")
}

func (s *SQLiteStore) GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = ? AND tenant_id = ?`,
		actionID, tenantID,
	)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("action", actionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get action")
	}
	return a, nil
}

func (s *SQLiteStore) ListActionsForRun(ctx context.Context, tenantID, runID string) ([]model.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE tenant_id = ? AND pipeline_run_id = ?
		 ORDER BY priority, dedupe_key`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list actions")
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan action")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list actions iterate")
}

func (s *SQLiteStore) ResolveAction(ctx context.Context, tenantID, actionID string, to model.ActionStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, resolved_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		string(to), at, actionID, tenantID, string(model.ActionPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: resolve action %s", actionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// Case data

func (s *SQLiteStore) EnsureCase(ctx context.Context, tenantID, caseID, practiceArea string) (*model.CaseRecord, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (id, tenant_id, practice_area, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, id) DO NOTHING`,
		caseID, tenantID, practiceArea, time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure case %s", caseID)
	}
	return s.GetCase(ctx, tenantID, caseID)
}

func (s *SQLiteStore) GetCase(ctx context.Context, tenantID, caseID string) (*model.CaseRecord, error) {
	var c model.CaseRecord
	var score sql.NullInt64
	var factors sql.NullString
	var assessedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, practice_area, risk_score, risk_factors, risk_assessed_at
		 FROM cases WHERE id = ? AND tenant_id = ?`,
		caseID, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.PracticeArea, &score, &factors, &assessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("case", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get case %s", caseID)
	}
	if score.Valid {
		c.Risk = &model.RiskAssessment{Score: int(score.Int64), AssessedAt: assessedAt.Time}
		if factors.Valid {
			if err := json.Unmarshal([]byte(factors.String), &c.Risk.Factors); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal risk factors")
			}
		}
	}
	return &c, nil
}

func (s *SQLiteStore) GetFieldValue(ctx context.Context, tenantID, caseID, fieldKey string) (*string, error) {
	return sqliteFieldValue(ctx, s.db, tenantID, caseID, fieldKey)
}

func (s *SQLiteStore) SetFieldValue(ctx context.Context, tenantID, caseID, fieldKey, value string) error {
	return sqliteSetField(ctx, s.db, tenantID, caseID, fieldKey, value)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteFieldValue(ctx context.Context, q sqlQueryer, tenantID, caseID, fieldKey string) (*string, error) {
	var v string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM case_fields WHERE tenant_id = ? AND case_id = ? AND field_key = ?`,
		tenantID, caseID, fieldKey,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get field %s", fieldKey)
	}
	return &v, nil
}

func sqliteSetField(ctx context.Context, ex sqlExecer, tenantID, caseID, fieldKey, value string) error {
	upsert, err := db.UpsertSQL(caseFieldUpsert(db.Question))
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, upsert, tenantID, caseID, fieldKey, value, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: set field %s", fieldKey)
}

// sqliteClaimField records value only when the field is empty and reports
// whether it did.
func sqliteClaimField(ctx context.Context, ex sqlExecer, tenantID, caseID, fieldKey, value string) (bool, error) {
	insert, err := db.UpsertSQL(caseFieldClaim(db.Question))
	if err != nil {
		return false, err
	}
	result, err := ex.ExecContext(ctx, insert, tenantID, caseID, fieldKey, value, time.Now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim field %s", fieldKey)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim field %s rows", fieldKey)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveRiskAssessment(ctx context.Context, tenantID, caseID string, ra model.RiskAssessment) error {
	factors, err := json.Marshal(ra.Factors)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal risk factors")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET risk_score = ?, risk_factors = ?, risk_assessed_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		ra.Score, string(factors), ra.AssessedAt, caseID, tenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save risk %s", caseID)
	}
	return checkRowsAffected(res, "case", caseID)
}

// Audit

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e model.AuditEvent) error {
	e = auditDefaults(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, tenant_id, case_id, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.CaseID, e.EventType, string(e.Payload), e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append audit event")
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, tenantID, caseID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, case_id, event_type, payload, created_at FROM audit_events
		 WHERE tenant_id = ? AND case_id = ?
		 ORDER BY created_at, rowid`,
		tenantID, caseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CaseID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit events iterate")
}

// Dead letter queue

func (s *SQLiteStore) InsertDLQEntry(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, stage, pipeline_run_id, case_id, tenant_id, error, error_type, attempts_made, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, string(e.Stage), e.PipelineRunID, e.CaseID, e.TenantID,
		e.Error, e.ErrorType, e.AttemptsMade, e.FailedAt,
	)
	return eris.Wrap(err, "sqlite: insert dlq entry")
}

func (s *SQLiteStore) ListDLQEntries(ctx context.Context, st stage.ID) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, stage, pipeline_run_id, case_id, tenant_id, error, error_type, attempts_made, failed_at
		 FROM dead_letter_queue
		 WHERE ? = '' OR stage = ?
		 ORDER BY failed_at DESC, rowid DESC`,
		string(st), string(st),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var stageName string
		if err := rows.Scan(&e.ID, &e.JobID, &stageName, &e.PipelineRunID, &e.CaseID, &e.TenantID,
			&e.Error, &e.ErrorType, &e.AttemptsMade, &e.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Stage = stage.ID(stageName)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) CountDLQByStage(ctx context.Context) (map[stage.ID]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM dead_letter_queue GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count dlq")
	}
	defer rows.Close()

	counts := make(map[stage.ID]int)
	for rows.Next() {
		var stageName string
		var n int
		if err := rows.Scan(&stageName, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq count")
		}
		counts[stage.ID(stageName)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count dlq iterate")
}

func (s *SQLiteStore) DeleteDLQEntries(ctx context.Context, st stage.ID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letter_queue WHERE ? = '' OR stage = ?`,
		string(st), string(st),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete dlq")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return model.NewNotFoundError(entity, id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanSQLiteRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var current, docType, runErr sql.NullString
	var statuses string

	err := row.Scan(&r.ID, &r.TenantID, &r.CaseID, &r.DocumentID, &r.Status, &current, &statuses,
		&docType, &runErr, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if current.Valid {
		id := stage.ID(current.String)
		r.CurrentStage = &id
	}
	if docType.Valid {
		r.ClassifiedDocType = &docType.String
	}
	if runErr.Valid {
		r.Error = &runErr.String
	}
	if err := json.Unmarshal([]byte(statuses), &r.StageStatuses); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stage statuses")
	}
	return &r, nil
}
