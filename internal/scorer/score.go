package scorer

import (
	"github.com/shopspring/decimal"

	"github.com/seemycity/muni-health/internal/model"
)

var (
	zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
	half    = decimal.RequireFromString("0.5")
)

// Pillars holds the unrounded pillar scores.
type Pillars struct {
	FinancialHealth decimal.Decimal
	Infrastructure  decimal.Decimal
	Efficiency      decimal.Decimal
	Accountability  decimal.Decimal
}

// Overall returns the weighted sum of the pillars.
func (p Pillars) Overall(cfg Config) decimal.Decimal {
	return p.FinancialHealth.Mul(cfg.FinancialHealthWeight).
		Add(p.Infrastructure.Mul(cfg.InfrastructureWeight)).
		Add(p.Efficiency.Mul(cfg.EfficiencyWeight)).
		Add(p.Accountability.Mul(cfg.AccountabilityWeight))
}

// Compute scores a metric set with the default configuration.
func Compute(ms model.MetricSet, population *float64) model.ScoreResult {
	return ComputeWith(DefaultConfig(), ms, population)
}

// ComputeWith scores a metric set. A pillar whose inputs are missing, or whose
// denominator is zero, scores 0.
func ComputeWith(cfg Config, ms model.MetricSet, population *float64) model.ScoreResult {
	p := ComputePillars(cfg, ms, population)
	return model.ScoreResult{
		Overall:         round(p.Overall(cfg), cfg.Precision),
		FinancialHealth: round(p.FinancialHealth, cfg.Precision),
		Infrastructure:  round(p.Infrastructure, cfg.Precision),
		Efficiency:      round(p.Efficiency, cfg.Precision),
		Accountability:  round(p.Accountability, cfg.Precision),
	}
}

// ComputePillars returns the four unrounded pillar scores.
func ComputePillars(cfg Config, ms model.MetricSet, population *float64) Pillars {
	pop := model.NullDecimalFromFloat(population)
	return Pillars{
		FinancialHealth: financialHealth(cfg, ms.Revenue, ms.Debt, pop),
		Infrastructure:  infrastructure(cfg, ms.Expenditure, ms.CapitalExpenditure),
		Efficiency:      efficiency(cfg, ms.Expenditure, ms.Revenue),
		Accountability:  Accountability(ms.AuditOutcome),
	}
}

// Accountability maps an audit outcome to its pillar score.
func Accountability(outcome *model.AuditOutcome) decimal.Decimal {
	if outcome == nil {
		return zero
	}
	switch *outcome {
	case model.AuditClean:
		return hundred
	case model.AuditUnqualified:
		return decimal.NewFromInt(75)
	case model.AuditQualified:
		return decimal.NewFromInt(50)
	case model.AuditAdverse, model.AuditDisclaimer:
		return decimal.NewFromInt(25)
	default:
		return zero
	}
}

func infrastructure(cfg Config, expenditure, capex decimal.NullDecimal) decimal.Decimal {
	if !expenditure.Valid || !capex.Valid {
		return zero
	}
	r, ok := ratio(capex.Decimal, expenditure.Decimal.Add(capex.Decimal))
	if !ok {
		return zero
	}
	return interpolate(r, cfg.InfrastructureCurve)
}

func efficiency(cfg Config, expenditure, revenue decimal.NullDecimal) decimal.Decimal {
	if !expenditure.Valid || !revenue.Valid {
		return zero
	}
	r, ok := ratio(expenditure.Decimal, revenue.Decimal)
	if !ok {
		return zero
	}
	return interpolate(r, cfg.EfficiencyCurve)
}

func financialHealth(cfg Config, revenue, debt, population decimal.NullDecimal) decimal.Decimal {
	return debtScore(cfg, debt, revenue).Add(revenuePerCapitaScore(cfg, revenue, population)).Mul(half)
}

// debtScore is 100 at or below DebtRatioMin, 0 at or above DebtRatioMax.
func debtScore(cfg Config, debt, revenue decimal.NullDecimal) decimal.Decimal {
	if !debt.Valid || !revenue.Valid {
		return zero
	}
	r, ok := ratio(debt.Decimal, revenue.Decimal)
	if !ok {
		return zero
	}
	pos := clampUnit(r.Sub(cfg.DebtRatioMin).Div(cfg.DebtRatioMax.Sub(cfg.DebtRatioMin)))
	return hundred.Mul(decimal.NewFromInt(1).Sub(pos))
}

// revenuePerCapitaScore is 0 at or below RevenuePerCapitaMin, 100 at or above RevenuePerCapitaMax.
func revenuePerCapitaScore(cfg Config, revenue, population decimal.NullDecimal) decimal.Decimal {
	if !revenue.Valid || !population.Valid {
		return zero
	}
	perCapita, ok := ratio(revenue.Decimal, population.Decimal)
	if !ok {
		return zero
	}
	pos := clampUnit(perCapita.Sub(cfg.RevenuePerCapitaMin).Div(cfg.RevenuePerCapitaMax.Sub(cfg.RevenuePerCapitaMin)))
	return hundred.Mul(pos)
}

// ratio divides num by den; ok is false when den is zero.
func ratio(num, den decimal.Decimal) (decimal.Decimal, bool) {
	if den.IsZero() {
		return zero, false
	}
	return num.Div(den), true
}

// interpolate evaluates a piecewise-linear curve at x, clamping to the end
// scores outside the first and last breakpoints.
func interpolate(x decimal.Decimal, curve []Point) decimal.Decimal {
	if len(curve) == 0 {
		return zero
	}
	first, last := curve[0], curve[len(curve)-1]
	if x.LessThanOrEqual(first.Ratio) {
		return clampScore(first.Score)
	}
	if x.GreaterThanOrEqual(last.Ratio) {
		return clampScore(last.Score)
	}
	for i := 1; i < len(curve); i++ {
		lo, hi := curve[i-1], curve[i]
		if x.GreaterThan(hi.Ratio) {
			continue
		}
		frac := x.Sub(lo.Ratio).Div(hi.Ratio.Sub(lo.Ratio))
		return clampScore(lo.Score.Add(hi.Score.Sub(lo.Score).Mul(frac)))
	}
	return clampScore(last.Score)
}

func clampUnit(v decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if v.LessThan(zero) {
		return zero
	}
	if v.GreaterThan(one) {
		return one
	}
	return v
}

func clampScore(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(zero) {
		return zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

func round(v decimal.Decimal, places int32) float64 {
	return clampScore(v).Round(places).InexactFloat64()
}
