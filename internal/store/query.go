package store

import (
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/seemycity/muni-health/internal/model"
)

const (
	tableMunicipalities = "municipalities"
	tableGeometries     = "municipal_geometries"
	tableFinancials     = "financial_data"
)

const entityColumns = "id, name, province, population, classification, district_id, district_name, address, phone, website"

const financialColumns = "municipality_id, year, revenue, expenditure, capital_expenditure, debt, audit_outcome, " +
	"overall_score, financial_health_score, infrastructure_score, efficiency_score, accountability_score, fetched_at"

// latestScores ranks each municipality's cached years newest first.
const latestScores = `WITH latest_scores AS (
	SELECT municipality_id, year, overall_score,
		ROW_NUMBER() OVER (PARTITION BY municipality_id ORDER BY year DESC) AS rn
	FROM financial_data
)`

// builder returns a squirrel builder with Postgres placeholders.
func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// listEntitiesQuery builds the map-list query. geomExpr selects the boundary
// as GeoJSON text.
func listEntitiesQuery(b squirrel.StatementBuilderType, geomExpr string, f EntityFilter) squirrel.SelectBuilder {
	q := b.Select(
		"m.id", "m.name", "m.province", "m.population", "m.classification",
		"ls.overall_score", "ls.year", geomExpr,
	).
		Prefix(latestScores).
		From(tableMunicipalities + " m").
		LeftJoin("latest_scores ls ON ls.municipality_id = m.id AND ls.rn = 1").
		LeftJoin(tableGeometries + " g ON g.munic_id = m.id").
		OrderBy("m.name")

	if f.Province != "" {
		q = q.Where(squirrel.Eq{"m.province": f.Province})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

// financialArgs returns the insert arguments in financialColumns order.
func financialArgs(rec model.FinancialRecord) []any {
	var audit *string
	if rec.Metrics.AuditOutcome != nil {
		s := string(*rec.Metrics.AuditOutcome)
		audit = &s
	}
	return []any{
		rec.EntityID,
		rec.Metrics.Year,
		rec.Metrics.Revenue,
		rec.Metrics.Expenditure,
		rec.Metrics.CapitalExpenditure,
		rec.Metrics.Debt,
		audit,
		rec.Scores.Overall,
		rec.Scores.FinancialHealth,
		rec.Scores.Infrastructure,
		rec.Scores.Efficiency,
		rec.Scores.Accountability,
		rec.FetchedAt.UTC(),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFinancial(row scannable) (*model.FinancialRecord, error) {
	var (
		rec   model.FinancialRecord
		audit *string
	)
	err := row.Scan(
		&rec.EntityID,
		&rec.Metrics.Year,
		&rec.Metrics.Revenue,
		&rec.Metrics.Expenditure,
		&rec.Metrics.CapitalExpenditure,
		&rec.Metrics.Debt,
		&audit,
		&rec.Scores.Overall,
		&rec.Scores.FinancialHealth,
		&rec.Scores.Infrastructure,
		&rec.Scores.Efficiency,
		&rec.Scores.Accountability,
		&rec.FetchedAt,
	)
	if err != nil {
		return nil, err
	}
	if audit != nil {
		rec.Metrics.AuditOutcome = model.ParseAuditOutcome(*audit).Ptr()
	}
	rec.FetchedAt = rec.FetchedAt.UTC()
	return &rec, nil
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	err := row.Scan(
		&e.ID, &e.Name, &e.Province, &e.Population, &e.Classification,
		&e.DistrictID, &e.DistrictName, &e.Address, &e.Phone, &e.Website,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func entityArgs(e model.Entity) []any {
	return []any{
		e.ID, e.Name, e.Province, e.Population, e.Classification,
		e.DistrictID, e.DistrictName, e.Address, e.Phone, e.Website,
	}
}

func columns(list string) []string {
	return strings.Split(list, ", ")
}

func insertFinancialQuery(b squirrel.StatementBuilderType, rec model.FinancialRecord) squirrel.InsertBuilder {
	return b.Insert(tableFinancials).
		Columns(columns(financialColumns)...).
		Values(financialArgs(rec)...)
}

// updateFinancialQuery replaces every metric, score, and timestamp column of
// an existing row.
func updateFinancialQuery(b squirrel.StatementBuilderType, rec model.FinancialRecord, now time.Time) squirrel.UpdateBuilder {
	args := financialArgs(rec)
	cols := columns(financialColumns)
	q := b.Update(tableFinancials)
	for i := 2; i < len(cols); i++ {
		q = q.Set(cols[i], args[i])
	}
	return q.Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"municipality_id": rec.EntityID, "year": rec.Metrics.Year})
}

// staleBefore returns the fetched_at cutoff for ttl.
func staleBefore(now time.Time, ttl time.Duration) time.Time {
	return now.Add(-ttl).UTC()
}
