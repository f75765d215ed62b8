package mapper

import (
	"fmt"

	"github.com/seemycity/muni-health/pkg/munimoney"
)

// Cubes queried per metric.
const (
	CubeIncomeExpenditure = "incexp_v2"
	CubeCapital           = "capital_v2"
	CubeFinancialPosition = "financial_position_v2"
	CubeAudit             = "audit_opinions"
)

// Amount types, highest priority first.
const (
	AmountAudited        = "AUDA"
	AmountAdjustedBudget = "ADJB"
	AmountOriginalBudget = "ORGB"
)

// DefaultAmountTypes is the amount-type preference used for every metric.
var DefaultAmountTypes = []string{AmountAudited, AmountAdjustedBudget, AmountOriginalBudget}

// CodeSet is a whitelist of item codes for one cube.
type CodeSet map[string]struct{}

// NewCodeSet builds a CodeSet from the given codes.
func NewCodeSet(codes ...string) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Contains reports whether code is whitelisted.
func (s CodeSet) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

func codeRange(from, to, step int) []string {
	var out []string
	for c := from; c <= to; c += step {
		out = append(out, fmt.Sprintf("%04d", c))
	}
	return out
}

// Item code whitelists, version 2 of the income/expenditure and financial
// position cubes.
var (
	RevenueCodes = NewCodeSet(append(
		[]string{"0200", "0300", "0400", "0500", "0600", "0800", "0900"},
		codeRange(1000, 2000, 100)...,
	)...)

	ExpenditureCodes = NewCodeSet(codeRange(3000, 4900, 100)...)

	// 0500 is TOTAL LIABILITIES in financial_position_v2.
	DebtCodes = NewCodeSet("0500")
)

// Metric names a field of a MetricSet.
type Metric string

const (
	MetricRevenue            Metric = "revenue"
	MetricExpenditure        Metric = "expenditure"
	MetricCapitalExpenditure Metric = "capital_expenditure"
	MetricDebt               Metric = "debt"
	MetricAudit              Metric = "audit_outcome"
)

// FactQueries returns the fact queries for the four numeric metrics.
func FactQueries() map[Metric]FactQuery {
	return map[Metric]FactQuery{
		MetricRevenue: {
			Cube:        CubeIncomeExpenditure,
			Codes:       RevenueCodes,
			AmountTypes: DefaultAmountTypes,
		},
		MetricExpenditure: {
			Cube:        CubeIncomeExpenditure,
			Codes:       ExpenditureCodes,
			AmountTypes: DefaultAmountTypes,
		},
		MetricCapitalExpenditure: {
			Cube:        CubeCapital,
			AmountTypes: DefaultAmountTypes,
		},
		MetricDebt: {
			Cube:        CubeFinancialPosition,
			Codes:       DebtCodes,
			AmountTypes: DefaultAmountTypes,
		},
	}
}

// CubeQuery builds the gateway query for a fact query and entity-year. The
// amount type is a drilldown, not a cut, so the mapper can pick the best one
// present.
func (q FactQuery) CubeQuery(entityID string, year int) munimoney.CubeQuery {
	drill := []string{munimoney.DimDemarcation, munimoney.DimAmountType}
	if q.Codes != nil {
		drill = append(drill, munimoney.DimItem)
	}
	return munimoney.CubeQuery{
		Cube:       q.Cube,
		Drilldown:  drill,
		Cuts:       []munimoney.Cut{munimoney.EntityCut(entityID), munimoney.YearCut(year)},
		Aggregates: []string{munimoney.MeasureAmountSum},
	}
}

// AuditQuery builds the gateway query for the audit opinion of an entity-year.
func AuditQuery(entityID string, year int) munimoney.CubeQuery {
	return munimoney.CubeQuery{
		Cube: CubeAudit,
		Drilldown: []string{
			munimoney.DimDemarcation,
			munimoney.DimDemarcationLabel,
			munimoney.DimOpinion,
			munimoney.DimOpinionLabel,
			munimoney.DimYear,
		},
		Cuts: []munimoney.Cut{munimoney.EntityCut(entityID), munimoney.YearCut(year)},
	}
}
