// Package mapper turns Municipal Money cube cells into typed metrics and
// assembles the metric set for an entity-year.
package mapper

import (
	"github.com/shopspring/decimal"

	"github.com/seemycity/muni-health/pkg/munimoney"
)

// FactQuery selects the cells that make up one metric.
type FactQuery struct {
	Cube string
	// Codes is the item whitelist. Nil accepts every item.
	Codes CodeSet
	// AmountTypes in descending priority.
	AmountTypes []string
}

// Amount is the mapped value of one metric. Found is false when no
// whitelisted cell with a measure exists.
type Amount struct {
	Value      decimal.Decimal
	AmountType string
	Found      bool
}

// NullDecimal converts the amount into a nullable decimal.
func (a Amount) NullDecimal() decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: a.Value, Valid: a.Found}
}

// MapFacts sums the whitelisted cells of the highest-priority amount type
// present. Cells of other amount types are never mixed into the sum.
func MapFacts(cells []munimoney.Cell, q FactQuery) Amount {
	rank := make(map[string]int, len(q.AmountTypes))
	for i, at := range q.AmountTypes {
		if _, dup := rank[at]; !dup {
			rank[at] = i
		}
	}

	best := -1
	for _, c := range cells {
		if !eligible(c, q) {
			continue
		}
		r, ok := rank[c.AmountType]
		if !ok {
			continue
		}
		if best == -1 || r < best {
			best = r
		}
	}
	if best == -1 {
		return Amount{}
	}

	chosen := q.AmountTypes[best]
	sum := decimal.Zero
	for _, c := range cells {
		if eligible(c, q) && c.AmountType == chosen {
			sum = sum.Add(c.Amount.Decimal)
		}
	}
	return Amount{Value: sum, AmountType: chosen, Found: true}
}

func eligible(c munimoney.Cell, q FactQuery) bool {
	if !c.Amount.Valid {
		return false
	}
	return q.Codes == nil || q.Codes.Contains(c.ItemCode)
}
