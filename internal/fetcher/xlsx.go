package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet holding the municipality list.
type XLSXOptions struct {
	SheetName  string // wins over SheetIndex when set
	SheetIndex int
	SkipRows   int // banner rows above the header
}

func (o XLSXOptions) sheet(f *xlsx.File) (*xlsx.Sheet, error) {
	if o.SheetName != "" {
		if s, ok := f.Sheet[o.SheetName]; ok {
			return s, nil
		}
		return nil, eris.Errorf("fetcher: xlsx sheet %q not found", o.SheetName)
	}
	if o.SheetIndex < 0 || o.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("fetcher: xlsx sheet index %d out of range (%d sheets)", o.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[o.SheetIndex], nil
}

// ReadXLSX returns the trimmed text of every non-blank row below SkipRows.
// Trailing empty cells are dropped from each row.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open xlsx %s", path)
	}
	sheet, err := opts.sheet(f)
	if err != nil {
		return nil, err
	}

	var out [][]string
	for n, row := range sheet.Rows {
		if n < opts.SkipRows || row == nil {
			continue
		}
		if cells := rowText(row); len(cells) > 0 {
			out = append(out, cells)
		}
	}
	return out, nil
}

// ReadXLSXTable reads a sheet whose first kept row is the header.
func ReadXLSXTable(path string, opts XLSXOptions) (*Table, error) {
	rows, err := ReadXLSX(path, opts)
	if err != nil {
		return nil, err
	}
	return newTable(rows), nil
}

func rowText(row *xlsx.Row) []string {
	cells := make([]string, 0, len(row.Cells))
	last := -1
	for i, c := range row.Cells {
		v := strings.TrimSpace(c.String())
		if v != "" {
			last = i
		}
		cells = append(cells, v)
	}
	return cells[:last+1]
}
