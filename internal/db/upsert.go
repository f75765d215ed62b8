package db

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one batch merge into a table keyed by ConflictKeys.
type UpsertConfig struct {
	Table        string   // may be schema-qualified
	Columns      []string // columns carried by each row, in row order
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // nil means every non-key column
	// Casts maps a column to a SQL template applied to the staged value,
	// e.g. "geom": "ST_Multi(ST_GeomFromEWKB(decode(%s, 'hex')))".
	Casts map[string]string
	// TempTypes overrides staging column types, e.g. "geom": "text".
	TempTypes map[string]string
}

func (c UpsertConfig) validate() error {
	switch {
	case len(c.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(c.ConflictKeys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (c UpsertConfig) updateColumns() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	var out []string
	for _, col := range c.Columns {
		if !slices.Contains(c.ConflictKeys, col) {
			out = append(out, col)
		}
	}
	return out
}

func (c UpsertConfig) stagingTable() string {
	return "_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")
}

// statements returns the staging DDL followed by the merge statement.
func (c UpsertConfig) statements() (ddl []string, merge string) {
	stage := pgx.Identifier{c.stagingTable()}.Sanitize()
	ddl = append(ddl, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage, sanitizeTable(c.Table)))
	for _, col := range slices.Sorted(maps.Keys(c.TempTypes)) {
		ddl = append(ddl, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s",
			stage, pgx.Identifier{col}.Sanitize(), c.TempTypes[col]))
	}

	action := "DO NOTHING"
	if upd := c.updateColumns(); len(upd) > 0 {
		set := make([]string, len(upd))
		for i, col := range upd {
			q := pgx.Identifier{col}.Sanitize()
			set[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	merge = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(c.Table), quoteAndJoin(c.Columns), selectExprs(c.Columns, c.Casts),
		stage, quoteAndJoin(c.ConflictKeys), action)
	return ddl, merge
}

// BulkUpsert stages rows with COPY and merges them with INSERT ... ON
// CONFLICT in a single transaction. Casts run while selecting out of the
// staging table, so callers can COPY text and store typed values such as
// EWKB hex into a PostGIS geometry.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	ddl, merge := cfg.statements()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range ddl {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{cfg.stagingTable()}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}
	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable quotes a table name, splitting an optional schema prefix.
func sanitizeTable(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func quoteAndJoin(cols []string) string {
	return selectExprs(cols, nil)
}

// selectExprs quotes each column and wraps it in its cast template, if any.
func selectExprs(cols []string, casts map[string]string) string {
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = pgx.Identifier{col}.Sanitize()
		if tmpl, ok := casts[col]; ok {
			out[i] = fmt.Sprintf(tmpl, out[i])
		}
	}
	return strings.Join(out, ", ")
}
