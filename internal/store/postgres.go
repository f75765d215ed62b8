package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/seemycity/muni-health/internal/db"
	"github.com/seemycity/muni-health/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using pgxpool and PostGIS.
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

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS municipalities (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	province       TEXT NOT NULL,
	population     DOUBLE PRECISION,
	classification TEXT,
	district_id    TEXT,
	district_name  TEXT,
	address        TEXT,
	phone          TEXT,
	website        TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_municipalities_province ON municipalities(province);

CREATE TABLE IF NOT EXISTS municipal_geometries (
	munic_id   TEXT PRIMARY KEY REFERENCES municipalities(id),
	geom       geometry(MultiPolygon, 4326) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_municipal_geometries_geom ON municipal_geometries USING GIST (geom);

CREATE TABLE IF NOT EXISTS financial_data (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	municipality_id        TEXT NOT NULL REFERENCES municipalities(id),
	year                   INTEGER NOT NULL,
	revenue                NUMERIC,
	expenditure            NUMERIC,
	capital_expenditure    NUMERIC,
	debt                   NUMERIC,
	audit_outcome          TEXT,
	overall_score          NUMERIC(5,2) NOT NULL,
	financial_health_score NUMERIC(5,2) NOT NULL,
	infrastructure_score   NUMERIC(5,2) NOT NULL,
	efficiency_score       NUMERIC(5,2) NOT NULL,
	accountability_score   NUMERIC(5,2) NOT NULL,
	fetched_at             TIMESTAMPTZ NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT financial_data_municipality_year_key UNIQUE (municipality_id, year)
);

CREATE INDEX IF NOT EXISTS idx_financial_data_fetched_at ON financial_data(fetched_at);
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

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	sql, args, err := builder().Select(columns(entityColumns)...).
		From(tableMunicipalities).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get entity")
	}

	e, err := scanEntity(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("municipality", id)
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.EntitySummary, error) {
	sql, args, err := listEntitiesQuery(builder(), "ST_AsGeoJSON(g.geom)::TEXT", filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list entities")
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.EntitySummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity summary")
		}
		out = append(out, *sum)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	rows := make([][]any, len(entities))
	for i, e := range entities {
		rows[i] = entityArgs(e)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        tableMunicipalities,
		Columns:      columns(entityColumns),
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert entities")
}

func (s *PostgresStore) GetBoundary(ctx context.Context, entityID string) (geom.T, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT ST_AsGeoJSON(geom)::TEXT FROM municipal_geometries WHERE munic_id = $1`,
		entityID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get boundary %s", entityID)
	}
	return decodeGeoJSON(&raw)
}

func (s *PostgresStore) UpsertGeometries(ctx context.Context, boundaries []model.Boundary) (int64, error) {
	rows := make([][]any, 0, len(boundaries))
	for _, b := range boundaries {
		raw, err := ewkb.Marshal(b.Geometry, ewkb.NDR)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode boundary %s", b.EntityID)
		}
		rows = append(rows, []any{b.EntityID, hex.EncodeToString(raw)})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        tableGeometries,
		Columns:      []string{"munic_id", "geom"},
		ConflictKeys: []string{"munic_id"},
		Casts:        map[string]string{"geom": "ST_Multi(ST_SetSRID(ST_GeomFromEWKB(decode(%s, 'hex')), 4326))"},
		TempTypes:    map[string]string{"geom": "text"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert geometries")
}

func (s *PostgresStore) GetFinancial(ctx context.Context, entityID string, year int) (*model.FinancialRecord, error) {
	sql, args, err := builder().Select(columns(financialColumns)...).
		From(tableFinancials).
		Where("municipality_id = ? AND year = ?", entityID, year).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get financial")
	}

	rec, err := scanFinancial(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get financial %s/%d", entityID, year)
	}
	return rec, nil
}

func (s *PostgresStore) ListFinancials(ctx context.Context, entityID string) ([]model.FinancialRecord, error) {
	sql, args, err := builder().Select(columns(financialColumns)...).
		From(tableFinancials).
		Where("municipality_id = ?", entityID).
		OrderBy("year DESC").
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list financials")
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list financials %s", entityID)
	}
	defer rows.Close()

	var out []model.FinancialRecord
	for rows.Next() {
		rec, err := scanFinancial(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan financial")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate financials")
}

func (s *PostgresStore) InsertFinancial(ctx context.Context, rec model.FinancialRecord) error {
	return insertFinancialPG(ctx, s.pool, rec)
}

func (s *PostgresStore) UpdateFinancial(ctx context.Context, rec model.FinancialRecord) error {
	return updateFinancialPG(ctx, s.pool, rec)
}

// UpsertFinancial inserts rec, or replaces the existing row when the insert
// hits the uniqueness constraint. Both paths run in one transaction; the
// insert is isolated by a savepoint so a conflict does not abort it.
func (s *PostgresStore) UpsertFinancial(ctx context.Context, rec model.FinancialRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert financial: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SAVEPOINT financial_insert"); err != nil {
		return eris.Wrap(err, "postgres: upsert financial: savepoint")
	}

	err = insertFinancialPG(ctx, tx, rec)
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT financial_insert"); err != nil {
			return eris.Wrap(err, "postgres: upsert financial: release savepoint")
		}
	case IsConflict(err):
		if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT financial_insert"); err != nil {
			return eris.Wrap(err, "postgres: upsert financial: rollback to savepoint")
		}
		if err := updateFinancialPG(ctx, tx, rec); err != nil {
			return err
		}
	default:
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: upsert financial: commit")
}

func insertFinancialPG(ctx context.Context, q db.Querier, rec model.FinancialRecord) error {
	sql, args, err := insertFinancialQuery(builder(), rec).ToSql()
	if err != nil {
		return eris.Wrap(err, "postgres: build insert financial")
	}
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return &ConflictError{EntityID: rec.EntityID, Year: rec.Metrics.Year, Err: err}
		}
		return eris.Wrapf(err, "postgres: insert financial %s/%d", rec.EntityID, rec.Metrics.Year)
	}
	return nil
}

func updateFinancialPG(ctx context.Context, q db.Querier, rec model.FinancialRecord) error {
	sql, args, err := updateFinancialQuery(builder(), rec, time.Now()).ToSql()
	if err != nil {
		return eris.Wrap(err, "postgres: build update financial")
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update financial %s/%d", rec.EntityID, rec.Metrics.Year)
	}
	if tag.RowsAffected() == 0 {
		return notFound("financial record", rec.EntityID)
	}
	return nil
}

func (s *PostgresStore) CacheStats(ctx context.Context, ttl time.Duration) (*CacheStats, error) {
	var (
		st     CacheStats
		oldest *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM municipalities),
			COUNT(*),
			COALESCE(SUM(CASE WHEN fetched_at < $1 THEN 1 ELSE 0 END), 0),
			MIN(fetched_at)
		FROM financial_data`,
		staleBefore(time.Now(), ttl),
	).Scan(&st.Entities, &st.CachedRows, &st.StaleRows, &oldest)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}
	if oldest != nil {
		st.OldestAt = oldest.UTC()
	}
	return &st, nil
}

func scanSummary(row scannable) (*model.EntitySummary, error) {
	var (
		sum     model.EntitySummary
		score   *float64
		year    *int
		geomRaw *string
	)
	err := row.Scan(
		&sum.Entity.ID, &sum.Entity.Name, &sum.Entity.Province, &sum.Entity.Population, &sum.Entity.Classification,
		&score, &year, &geomRaw,
	)
	if err != nil {
		return nil, err
	}
	sum.LatestScore = score
	sum.LatestYear = year
	g, err := decodeGeoJSON(geomRaw)
	if err != nil {
		return nil, eris.Wrapf(err, "decode geometry for %s", sum.Entity.ID)
	}
	sum.Geometry = g
	return &sum, nil
}

func decodeGeoJSON(raw *string) (geom.T, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var g geom.T
	if err := geojson.Unmarshal([]byte(*raw), &g); err != nil {
		return nil, eris.Wrap(err, "geojson unmarshal")
	}
	return g, nil
}
