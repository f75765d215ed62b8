package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures how a municipality CSV export is read.
type CSVOptions struct {
	Delimiter  rune // ',' when zero
	Comment    rune // lines starting with this rune are ignored; 0 disables
	LazyQuotes bool
	TrimSpace  bool
}

func (o CSVOptions) reader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	if o.Delimiter != 0 {
		cr.Comma = o.Delimiter
	}
	cr.Comment = o.Comment
	cr.LazyQuotes = o.LazyQuotes
	cr.FieldsPerRecord = -1
	return cr
}

// EachCSVRow calls fn for every record in r, header included. It stops at the
// first error from the reader, from fn, or from ctx.
func EachCSVRow(ctx context.Context, r io.Reader, opts CSVOptions, fn func(line int, row []string) error) error {
	cr := opts.reader(r)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "fetcher: csv read interrupted")
		}
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "fetcher: csv record %d", line)
		}
		if opts.TrimSpace {
			for i := range row {
				row[i] = strings.TrimSpace(row[i])
			}
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
}

// ReadCSVTable reads a whole CSV document whose first row is the header.
func ReadCSVTable(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	var rows [][]string
	err := EachCSVRow(ctx, r, opts, func(_ int, row []string) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newTable(rows), nil
}
