package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/scorer"
)

// scoreInput holds the raw flag values; empty strings are missing metrics.
type scoreInput struct {
	Year        int
	Revenue     string
	Expenditure string
	Capex       string
	Debt        string
	Audit       string
	Population  string
}

var scoreIn scoreInput

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a metric set given on the command line and print JSON",
	Long:  "Computes the four pillar scores and the overall score offline. Omitted metrics are treated as missing, not zero.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScore(cmd.OutOrStdout(), scoreIn)
	},
}

type scoreOutput struct {
	Metrics    model.MetricSet   `json:"metrics"`
	Population *float64          `json:"population"`
	Scores     model.ScoreResult `json:"scores"`
}

func runScore(w io.Writer, in scoreInput) error {
	ms := model.MetricSet{Year: in.Year}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.NullDecimal
	}{
		{"revenue", in.Revenue, &ms.Revenue},
		{"expenditure", in.Expenditure, &ms.Expenditure},
		{"capex", in.Capex, &ms.CapitalExpenditure},
		{"debt", in.Debt, &ms.Debt},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return eris.Wrapf(err, "score: invalid --%s %q", f.name, f.raw)
		}
		*f.dst = model.NullDecimal(d)
	}

	if in.Audit != "" {
		ms.AuditOutcome = model.ParseAuditOutcome(in.Audit).Ptr()
	}

	var pop *float64
	if in.Population != "" {
		d, err := decimal.NewFromString(in.Population)
		if err != nil {
			return eris.Wrapf(err, "score: invalid --population %q", in.Population)
		}
		f := d.InexactFloat64()
		pop = &f
	}

	out := scoreOutput{Metrics: ms, Population: pop, Scores: scorer.Compute(ms, pop)}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func init() {
	f := scoreCmd.Flags()
	f.IntVar(&scoreIn.Year, "year", 0, "financial year (informational)")
	f.StringVar(&scoreIn.Revenue, "revenue", "", "operating revenue")
	f.StringVar(&scoreIn.Expenditure, "expenditure", "", "operating expenditure")
	f.StringVar(&scoreIn.Capex, "capex", "", "capital expenditure")
	f.StringVar(&scoreIn.Debt, "debt", "", "total debt")
	f.StringVar(&scoreIn.Audit, "audit", "", "audit outcome (Clean, Unqualified, Qualified, Adverse, Disclaimer)")
	f.StringVar(&scoreIn.Population, "population", "", "population")
	rootCmd.AddCommand(scoreCmd)
}
