// Package scorer computes the four-pillar financial health score for a municipality-year.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Point is one knot of a piecewise-linear curve mapping a ratio to a score.
type Point struct {
	Ratio decimal.Decimal
	Score decimal.Decimal
}

// Config holds pillar weights and the curve breakpoints. Weights sum to 1.
type Config struct {
	FinancialHealthWeight decimal.Decimal
	InfrastructureWeight  decimal.Decimal
	EfficiencyWeight      decimal.Decimal
	AccountabilityWeight  decimal.Decimal

	// Capex / (expenditure + capex), ascending ratio.
	InfrastructureCurve []Point
	// Expenditure / revenue, ascending ratio.
	EfficiencyCurve []Point

	// Debt / revenue range mapped to 100..0.
	DebtRatioMin decimal.Decimal
	DebtRatioMax decimal.Decimal

	// Revenue per capita range mapped to 0..100.
	RevenuePerCapitaMin decimal.Decimal
	RevenuePerCapitaMax decimal.Decimal

	// Decimal places kept in the final scores.
	Precision int32
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultConfig returns the production weights and breakpoints.
func DefaultConfig() Config {
	return Config{
		FinancialHealthWeight: d("0.30"),
		InfrastructureWeight:  d("0.25"),
		EfficiencyWeight:      d("0.25"),
		AccountabilityWeight:  d("0.20"),

		InfrastructureCurve: []Point{
			{Ratio: d("0.05"), Score: d("0")},
			{Ratio: d("0.15"), Score: d("50")},
			{Ratio: d("0.30"), Score: d("100")},
		},
		EfficiencyCurve: []Point{
			{Ratio: d("0.85"), Score: d("100")},
			{Ratio: d("1.00"), Score: d("50")},
			{Ratio: d("1.15"), Score: d("0")},
		},

		DebtRatioMin: d("0.1"),
		DebtRatioMax: d("1.5"),

		RevenuePerCapitaMin: d("5000"),
		RevenuePerCapitaMax: d("20000"),

		Precision: 2,
	}
}

// WeightSum returns the sum of the four pillar weights.
func WeightSum(c Config) decimal.Decimal {
	return c.FinancialHealthWeight.
		Add(c.InfrastructureWeight).
		Add(c.EfficiencyWeight).
		Add(c.AccountabilityWeight)
}

// ValidateConfig checks that a Config is internally consistent.
func ValidateConfig(c Config) error {
	var errs []string

	weights := []struct {
		name string
		w    decimal.Decimal
	}{
		{"financial_health_weight", c.FinancialHealthWeight},
		{"infrastructure_weight", c.InfrastructureWeight},
		{"efficiency_weight", c.EfficiencyWeight},
		{"accountability_weight", c.AccountabilityWeight},
	}
	for _, w := range weights {
		if w.w.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", w.name))
		}
	}

	if sum := WeightSum(c); !sum.Equal(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("weights should sum to 1, got %s", sum.String()))
	}

	curves := []struct {
		name   string
		points []Point
	}{
		{"infrastructure_curve", c.InfrastructureCurve},
		{"efficiency_curve", c.EfficiencyCurve},
	}
	for _, cv := range curves {
		name, curve := cv.name, cv.points
		if len(curve) < 2 {
			errs = append(errs, fmt.Sprintf("%s needs at least 2 points", name))
			continue
		}
		for i := 1; i < len(curve); i++ {
			if !curve[i].Ratio.GreaterThan(curve[i-1].Ratio) {
				errs = append(errs, fmt.Sprintf("%s ratios must be strictly ascending", name))
				break
			}
		}
	}

	if !c.DebtRatioMax.GreaterThan(c.DebtRatioMin) {
		errs = append(errs, "debt_ratio_max must be > debt_ratio_min")
	}
	if !c.RevenuePerCapitaMax.GreaterThan(c.RevenuePerCapitaMin) {
		errs = append(errs, "revenue_per_capita_max must be > revenue_per_capita_min")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
