package fetcher

import (
	"strings"
)

// Table is a header row plus data rows read from a CSV or XLSX source.
type Table struct {
	Header []string
	Rows   [][]string
}

// Index returns the column position of each header, keyed by the lowercased,
// trimmed header name.
func (t *Table) Index() map[string]int {
	idx := make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// newTable splits the first row off as the header.
func newTable(rows [][]string) *Table {
	if len(rows) == 0 {
		return &Table{}
	}
	return &Table{Header: rows[0], Rows: rows[1:]}
}
