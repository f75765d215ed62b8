package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seemycity/muni-health/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Boundaries are kept
// as GeoJSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS municipalities (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	province       TEXT NOT NULL,
	population     REAL,
	classification TEXT,
	district_id    TEXT,
	district_name  TEXT,
	address        TEXT,
	phone          TEXT,
	website        TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_municipalities_province ON municipalities(province);

CREATE TABLE IF NOT EXISTS municipal_geometries (
	munic_id   TEXT PRIMARY KEY REFERENCES municipalities(id),
	geom       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS financial_data (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	municipality_id        TEXT NOT NULL REFERENCES municipalities(id),
	year                   INTEGER NOT NULL,
	revenue                TEXT,
	expenditure            TEXT,
	capital_expenditure    TEXT,
	debt                   TEXT,
	audit_outcome          TEXT,
	overall_score          REAL NOT NULL,
	financial_health_score REAL NOT NULL,
	infrastructure_score   REAL NOT NULL,
	efficiency_score       REAL NOT NULL,
	accountability_score   REAL NOT NULL,
	fetched_at             DATETIME NOT NULL,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (municipality_id, year)
);

CREATE INDEX IF NOT EXISTS idx_financial_data_fetched_at ON financial_data(fetched_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	query, args, err := squirrel.Select(columns(entityColumns)...).
		From(tableMunicipalities).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get entity")
	}

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("municipality", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.EntitySummary, error) {
	query, args, err := listEntitiesQuery(squirrel.StatementBuilder, "g.geom", filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list entities")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntitySummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity summary")
		}
		out = append(out, *sum)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert entities: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for _, e := range entities {
		query, args, err := squirrel.Insert(tableMunicipalities).
			Columns(columns(entityColumns)...).
			Values(entityArgs(e)...).
			Suffix(`ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, province = excluded.province, population = excluded.population,
				classification = excluded.classification, district_id = excluded.district_id,
				district_name = excluded.district_name, address = excluded.address,
				phone = excluded.phone, website = excluded.website, updated_at = datetime('now')`).
			ToSql()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: build upsert entity")
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: upsert entities: commit")
}

func (s *SQLiteStore) GetBoundary(ctx context.Context, entityID string) (geom.T, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT geom FROM municipal_geometries WHERE munic_id = ?`, entityID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get boundary %s", entityID)
	}
	return decodeGeoJSON(&raw)
}

func (s *SQLiteStore) UpsertGeometries(ctx context.Context, boundaries []model.Boundary) (int64, error) {
	if len(boundaries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert geometries: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for _, b := range boundaries {
		raw, err := geojson.Marshal(b.Geometry)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: encode boundary %s", b.EntityID)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO municipal_geometries (munic_id, geom) VALUES (?, ?)
			 ON CONFLICT (munic_id) DO UPDATE SET geom = excluded.geom, updated_at = datetime('now')`,
			b.EntityID, string(raw),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert boundary %s", b.EntityID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: upsert geometries: commit")
}

func (s *SQLiteStore) GetFinancial(ctx context.Context, entityID string, year int) (*model.FinancialRecord, error) {
	query, args, err := squirrel.Select(columns(financialColumns)...).
		From(tableFinancials).
		Where(squirrel.Eq{"municipality_id": entityID, "year": year}).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get financial")
	}

	rec, err := scanFinancial(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get financial %s/%d", entityID, year)
	}
	return rec, nil
}

func (s *SQLiteStore) ListFinancials(ctx context.Context, entityID string) ([]model.FinancialRecord, error) {
	query, args, err := squirrel.Select(columns(financialColumns)...).
		From(tableFinancials).
		Where(squirrel.Eq{"municipality_id": entityID}).
		OrderBy("year DESC").
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list financials")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list financials %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FinancialRecord
	for rows.Next() {
		rec, err := scanFinancial(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan financial")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate financials")
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) InsertFinancial(ctx context.Context, rec model.FinancialRecord) error {
	return insertFinancialSQLite(ctx, s.db, rec)
}

func (s *SQLiteStore) UpdateFinancial(ctx context.Context, rec model.FinancialRecord) error {
	return updateFinancialSQLite(ctx, s.db, rec)
}

// UpsertFinancial mirrors PostgresStore.UpsertFinancial.
func (s *SQLiteStore) UpsertFinancial(ctx context.Context, rec model.FinancialRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert financial: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	err = insertFinancialSQLite(ctx, tx, rec)
	if IsConflict(err) {
		err = updateFinancialSQLite(ctx, tx, rec)
	}
	if err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: upsert financial: commit")
}

func insertFinancialSQLite(ctx context.Context, ex execer, rec model.FinancialRecord) error {
	query, args, err := insertFinancialQuery(squirrel.StatementBuilder, rec).ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build insert financial")
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		if isSQLiteUnique(err) {
			return &ConflictError{EntityID: rec.EntityID, Year: rec.Metrics.Year, Err: err}
		}
		return eris.Wrapf(err, "sqlite: insert financial %s/%d", rec.EntityID, rec.Metrics.Year)
	}
	return nil
}

func updateFinancialSQLite(ctx context.Context, ex execer, rec model.FinancialRecord) error {
	query, args, err := updateFinancialQuery(squirrel.StatementBuilder, rec, time.Now()).ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build update financial")
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update financial %s/%d", rec.EntityID, rec.Metrics.Year)
	}
	return checkRowsAffected(res, "financial record", rec.EntityID)
}

func (s *SQLiteStore) CacheStats(ctx context.Context, ttl time.Duration) (*CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM municipalities),
			COUNT(*),
			COALESCE(SUM(CASE WHEN fetched_at < ? THEN 1 ELSE 0 END), 0)
		FROM financial_data`,
		staleBefore(time.Now(), ttl),
	).Scan(&st.Entities, &st.CachedRows, &st.StaleRows)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}

	// Selecting the column itself keeps its DATETIME type for the driver.
	err = s.db.QueryRowContext(ctx,
		`SELECT fetched_at FROM financial_data ORDER BY fetched_at LIMIT 1`,
	).Scan(&st.OldestAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: cache stats oldest")
	default:
		st.OldestAt = st.OldestAt.UTC()
	}
	return &st, nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	// Primary code only when extended codes are off.
	return se.Code() == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}
