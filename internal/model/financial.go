package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// AuditOutcome is the normalized audit opinion for a financial year.
type AuditOutcome string

const (
	AuditClean       AuditOutcome = "Clean"
	AuditUnqualified AuditOutcome = "Unqualified"
	AuditQualified   AuditOutcome = "Qualified"
	AuditAdverse     AuditOutcome = "Adverse"
	AuditDisclaimer  AuditOutcome = "Disclaimer"
	AuditUnavailable AuditOutcome = "Unavailable"
)

// ParseAuditOutcome converts a stored outcome string back into an AuditOutcome.
// Unknown values map to AuditUnavailable.
func ParseAuditOutcome(s string) AuditOutcome {
	switch AuditOutcome(s) {
	case AuditClean, AuditUnqualified, AuditQualified, AuditAdverse, AuditDisclaimer:
		return AuditOutcome(s)
	default:
		return AuditUnavailable
	}
}

// Ptr returns a pointer to a copy of o.
func (o AuditOutcome) Ptr() *AuditOutcome {
	return &o
}

// MetricSet holds one entity's financial facts for one fiscal year.
// A null field means the metric was not available, which is distinct from zero.
type MetricSet struct {
	Year               int                 `json:"year"`
	Revenue            decimal.NullDecimal `json:"revenue"`
	Expenditure        decimal.NullDecimal `json:"expenditure"`
	CapitalExpenditure decimal.NullDecimal `json:"capital_expenditure"`
	Debt               decimal.NullDecimal `json:"debt"`
	AuditOutcome       *AuditOutcome       `json:"audit_outcome"`
}

// Empty reports whether no metric at all is present.
func (m MetricSet) Empty() bool {
	return !m.Revenue.Valid && !m.Expenditure.Valid && !m.CapitalExpenditure.Valid &&
		!m.Debt.Valid && m.AuditOutcome == nil
}

// ScoreResult holds the overall score and the four pillar scores, each in [0, 100].
type ScoreResult struct {
	Overall         float64 `json:"overall_score"`
	FinancialHealth float64 `json:"financial_health_score"`
	Infrastructure  float64 `json:"infrastructure_score"`
	Efficiency      float64 `json:"efficiency_score"`
	Accountability  float64 `json:"accountability_score"`
}

// FinancialRecord is the cached (entity, year) row: raw metrics, derived
// scores, and the time the metrics were fetched upstream.
type FinancialRecord struct {
	EntityID  string      `json:"entity_id"`
	Metrics   MetricSet   `json:"metrics"`
	Scores    ScoreResult `json:"scores"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Year returns the fiscal year of the record.
func (r FinancialRecord) Year() int {
	return r.Metrics.Year
}

// NullDecimal wraps d as a valid decimal.NullDecimal.
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// NullDecimalFromFloat converts an optional float into a decimal.NullDecimal.
// Infinities and NaN have no decimal form and become null.
func NullDecimalFromFloat(f *float64) decimal.NullDecimal {
	if f == nil || math.IsInf(*f, 0) || math.IsNaN(*f) {
		return decimal.NullDecimal{}
	}
	return NullDecimal(decimal.NewFromFloat(*f))
}

// FloatPtr converts a decimal.NullDecimal into an optional float for JSON output.
func FloatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}
