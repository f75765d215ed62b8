package munimoney

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Dimension and measure names used in cube queries.
const (
	DimDemarcation      = "demarcation.code"
	DimDemarcationLabel = "demarcation.label"
	DimItem             = "item.code"
	DimItemLabel        = "item.label"
	DimAmountType       = "amount_type.code"
	DimYear             = "financial_year_end.year"
	DimOpinion          = "opinion.code"
	DimOpinionLabel     = "opinion.label"

	MeasureAmountSum = "amount.sum"
)

// Cut restricts an aggregate to a single dimension value.
type Cut struct {
	Dimension string
	Value     string
}

func (c Cut) String() string {
	return c.Dimension + ":" + c.Value
}

// EntityCut restricts a query to one municipality. Demarcation codes are quoted.
func EntityCut(code string) Cut {
	return Cut{Dimension: DimDemarcation, Value: strconv.Quote(code)}
}

// YearCut restricts a query to one financial year end.
func YearCut(year int) Cut {
	return Cut{Dimension: DimYear, Value: strconv.Itoa(year)}
}

// AmountTypeCut restricts a query to one amount type such as AUDA.
func AmountTypeCut(code string) Cut {
	return Cut{Dimension: DimAmountType, Value: code}
}

// CubeQuery describes one call to the aggregate endpoint of a cube.
type CubeQuery struct {
	Cube       string
	Drilldown  []string
	Cuts       []Cut
	Aggregates []string
}

// Validate checks that the query can be sent.
func (q CubeQuery) Validate() error {
	if q.Cube == "" {
		return eris.New("munimoney: cube is required")
	}
	if strings.ContainsAny(q.Cube, "/?#") {
		return eris.Errorf("munimoney: invalid cube name %q", q.Cube)
	}
	for _, c := range q.Cuts {
		if c.Dimension == "" || c.Value == "" {
			return eris.Errorf("munimoney: incomplete cut %q", c.String())
		}
	}
	return nil
}

// Values returns the encoded query parameters. Aggregates default to amount.sum.
func (q CubeQuery) Values() url.Values {
	v := url.Values{}
	if len(q.Drilldown) > 0 {
		v.Set("drilldown", strings.Join(q.Drilldown, "|"))
	}
	if len(q.Cuts) > 0 {
		cuts := make([]string, len(q.Cuts))
		for i, c := range q.Cuts {
			cuts[i] = c.String()
		}
		v.Set("cut", strings.Join(cuts, "|"))
	}
	aggs := q.Aggregates
	if len(aggs) == 0 {
		aggs = []string{MeasureAmountSum}
	}
	v.Set("aggregates", strings.Join(aggs, "|"))
	return v
}

// URL builds the aggregate URL for the query against baseURL.
func (q CubeQuery) URL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/cubes/" + q.Cube + "/aggregate?" + q.Values().Encode()
}
