package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder selects the bind parameter syntax of the generated SQL.
type Placeholder int

const (
	// Dollar renders $1, $2, ... (PostgreSQL).
	Dollar Placeholder = iota
	// Question renders ?, ?, ... (SQLite).
	Question
)

// UpsertConfig defines the parameters for an idempotent upsert.
type UpsertConfig struct {
	Table        string   // target table (e.g., "findings")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	Where        string   // optional guard on the existing row, e.g. "findings.resolved_at IS NULL"
	Placeholder  Placeholder
}

// UpsertSQL renders INSERT ... VALUES ... ON CONFLICT (keys) DO UPDATE SET ...
// for a single row.
func UpsertSQL(cfg UpsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	params := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		if cfg.Placeholder == Question {
			params[i] = "?"
		} else {
			params[i] = fmt.Sprintf("$%d", i+1)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(params, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)

	if len(updateCols) == 0 {
		b.WriteString("DO NOTHING")
		return b.String(), nil
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		id := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = excluded.%s", id, id)
	}
	b.WriteString("DO UPDATE SET ")
	b.WriteString(strings.Join(setClauses, ", "))
	if cfg.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(cfg.Where)
	}
	return b.String(), nil
}

// BulkUpsert applies the upsert for every row inside one transaction and
// returns the number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	cfg.Placeholder = Dollar
	upsertSQL, err := UpsertSQL(cfg)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var affected int64
	for i, row := range rows {
		if len(row) != len(cfg.Columns) {
			return 0, eris.Errorf("db: upsert: row %d has %d values, want %d", i, len(row), len(cfg.Columns))
		}
		tag, err := tx.Exec(ctx, upsertSQL, row...)
		if err != nil {
			return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		affected += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return affected, nil
}

// sanitizeTable handles schema-qualified table names like "docintel.findings".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
