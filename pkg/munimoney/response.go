package munimoney

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Cell is one row of an aggregate response. Dimensions absent from the
// drilldown are left empty.
type Cell struct {
	Demarcation      string              `json:"demarcation.code"`
	DemarcationLabel string              `json:"demarcation.label"`
	ItemCode         string              `json:"item.code"`
	ItemLabel        string              `json:"item.label"`
	AmountType       string              `json:"amount_type.code"`
	Year             int                 `json:"financial_year_end.year"`
	OpinionCode      string              `json:"opinion.code"`
	OpinionLabel     string              `json:"opinion.label"`
	Amount           decimal.NullDecimal `json:"amount.sum"`
	Count            int                 `json:"_count"`
}

// ParseResult holds either the decoded cells or the reason decoding failed.
// Exactly one of Cells and Err is meaningful: Err == nil means Cells is valid,
// even when it is empty.
type ParseResult struct {
	Cells []Cell
	Err   error
}

// OK reports whether the body decoded into cells.
func (p ParseResult) OK() bool { return p.Err == nil }

// Response is a completed aggregate call.
type Response struct {
	Cube       string
	URL        string
	StatusCode int
	Raw        []byte
	Result     ParseResult
}

type aggregateBody struct {
	Cells          *[]Cell `json:"cells"`
	TotalCellCount int     `json:"total_cell_count"`
}

// ParseAggregate decodes an aggregate response body.
func ParseAggregate(raw []byte) ParseResult {
	var body aggregateBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ParseResult{Err: eris.Wrap(err, "munimoney: decode aggregate body")}
	}
	if body.Cells == nil {
		return ParseResult{Err: eris.New("munimoney: aggregate body has no cells field")}
	}
	return ParseResult{Cells: *body.Cells}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
