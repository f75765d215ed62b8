package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/seemycity/muni-health/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func seedEntities(t *testing.T, st *SQLiteStore) {
	t.Helper()
	n, err := st.UpsertEntities(context.Background(), []model.Entity{
		{ID: "CPT", Name: "City of Cape Town", Province: "Western Cape", Population: floatPtr(4_600_000), Classification: strPtr("A")},
		{ID: "JHB", Name: "City of Johannesburg", Province: "Gauteng", Population: floatPtr(5_600_000), Classification: strPtr("A")},
		{ID: "WC011", Name: "Matzikama", Province: "Western Cape", Classification: strPtr("B3"), DistrictID: strPtr("DC1")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func square(x, y float64) *geom.MultiPolygon {
	return geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{{
		{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y},
	}}}).SetSRID(4326)
}

func TestSQLite_Entities_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	e, err := st.GetEntity(ctx, "CPT")
	require.NoError(t, err)
	assert.Equal(t, "City of Cape Town", e.Name)
	require.NotNil(t, e.Population)
	assert.Equal(t, 4_600_000.0, *e.Population)
	assert.Nil(t, e.Website)

	// Re-upserting replaces attributes in place.
	_, err = st.UpsertEntities(ctx, []model.Entity{
		{ID: "CPT", Name: "Cape Town", Province: "Western Cape", Website: strPtr("https://www.capetown.gov.za")},
	})
	require.NoError(t, err)

	e, err = st.GetEntity(ctx, "CPT")
	require.NoError(t, err)
	assert.Equal(t, "Cape Town", e.Name)
	assert.Nil(t, e.Population)
	require.NotNil(t, e.Website)
	assert.Equal(t, "https://www.capetown.gov.za", *e.Website)
}

func TestSQLite_GetEntity_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetEntity(context.Background(), "NOPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpsertEntities_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	n, err := st.UpsertEntities(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_Financial_InsertConflictUpdate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	rec := sampleRecord()
	require.NoError(t, st.InsertFinancial(ctx, rec))

	err := st.InsertFinancial(ctx, rec)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	rec.Metrics.Debt = decimal.NullDecimal{}
	rec.Metrics.AuditOutcome = nil
	rec.Scores.Overall = 55.5
	rec.FetchedAt = rec.FetchedAt.Add(time.Hour)
	require.NoError(t, st.UpdateFinancial(ctx, rec))

	got, err := st.GetFinancial(ctx, "CPT", 2023)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Metrics.Debt.Valid)
	assert.Nil(t, got.Metrics.AuditOutcome)
	assert.Equal(t, 55.5, got.Scores.Overall)
	assert.True(t, got.Metrics.Revenue.Decimal.Equal(decimal.RequireFromString("500000000")))
	assert.True(t, rec.FetchedAt.Equal(got.FetchedAt))
}

func TestSQLite_UpdateFinancial_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedEntities(t, st)

	err := st.UpdateFinancial(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpsertFinancial_SingleRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	rec := sampleRecord()
	require.NoError(t, st.UpsertFinancial(ctx, rec))

	rec.Scores.Overall = 70
	require.NoError(t, st.UpsertFinancial(ctx, rec))

	recs, err := st.ListFinancials(ctx, "CPT")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 70.0, recs[0].Scores.Overall)
	require.NotNil(t, recs[0].Metrics.AuditOutcome)
	assert.Equal(t, model.AuditClean, *recs[0].Metrics.AuditOutcome)
}

func TestSQLite_GetFinancial_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec, err := st.GetFinancial(context.Background(), "CPT", 2023)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLite_ListFinancials_NewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	for _, year := range []int{2021, 2023, 2022} {
		rec := sampleRecord()
		rec.Metrics.Year = year
		require.NoError(t, st.InsertFinancial(ctx, rec))
	}

	recs, err := st.ListFinancials(ctx, "CPT")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{2023, 2022, 2021}, []int{recs[0].Year(), recs[1].Year(), recs[2].Year()})
}

func TestSQLite_Boundaries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	g, err := st.GetBoundary(ctx, "CPT")
	require.NoError(t, err)
	assert.Nil(t, g)

	n, err := st.UpsertGeometries(ctx, []model.Boundary{
		{EntityID: "CPT", Geometry: square(18, -34)},
		{EntityID: "JHB", Geometry: square(28, -26)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	g, err = st.GetBoundary(ctx, "CPT")
	require.NoError(t, err)
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 1, mp.NumPolygons())
	assert.Equal(t, []float64{18, -34, 19, -33}, []float64{mp.Bounds().Min(0), mp.Bounds().Min(1), mp.Bounds().Max(0), mp.Bounds().Max(1)})
}

func TestSQLite_ListEntities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	_, err := st.UpsertGeometries(ctx, []model.Boundary{{EntityID: "CPT", Geometry: square(18, -34)}})
	require.NoError(t, err)

	older := sampleRecord()
	older.Metrics.Year = 2022
	older.Scores.Overall = 40
	require.NoError(t, st.InsertFinancial(ctx, older))
	require.NoError(t, st.InsertFinancial(ctx, sampleRecord()))

	all, err := st.ListEntities(ctx, EntityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Ordered by name.
	assert.Equal(t, "City of Cape Town", all[0].Entity.Name)
	assert.Equal(t, "City of Johannesburg", all[1].Entity.Name)
	assert.Equal(t, "Matzikama", all[2].Entity.Name)

	require.NotNil(t, all[0].LatestScore)
	assert.Equal(t, 60.94, *all[0].LatestScore)
	require.NotNil(t, all[0].LatestYear)
	assert.Equal(t, 2023, *all[0].LatestYear)
	assert.NotNil(t, all[0].Geometry)

	assert.Nil(t, all[1].LatestScore)
	assert.Nil(t, all[1].Geometry)

	wc, err := st.ListEntities(ctx, EntityFilter{Province: "Western Cape", Limit: 1})
	require.NoError(t, err)
	require.Len(t, wc, 1)
	assert.Equal(t, "CPT", wc[0].Entity.ID)
}

func TestSQLite_CacheStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st)

	stats, err := st.CacheStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entities)
	assert.Zero(t, stats.CachedRows)
	assert.True(t, stats.OldestAt.IsZero())
	assert.Zero(t, stats.StaleRatio())

	stale := sampleRecord()
	stale.FetchedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, st.InsertFinancial(ctx, stale))

	fresh := sampleRecord()
	fresh.EntityID = "JHB"
	fresh.FetchedAt = time.Now().UTC()
	require.NoError(t, st.InsertFinancial(ctx, fresh))

	stats, err = st.CacheStats(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CachedRows)
	assert.Equal(t, int64(1), stats.StaleRows)
	assert.InDelta(t, 0.5, stats.StaleRatio(), 0.0001)
	assert.WithinDuration(t, stale.FetchedAt, stats.OldestAt, time.Second)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
