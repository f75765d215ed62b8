// Package boundary reads municipal boundary shapefiles into multipolygons
// keyed by municipality code.
package boundary

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/seemycity/muni-health/internal/model"
)

// DefaultIDField is the attribute holding the municipality code in the
// Municipal Demarcation Board local municipality shapefiles.
const DefaultIDField = "CAT_B"

// Options configures ParseShapefile.
type Options struct {
	// IDField names the attribute holding the municipality code.
	IDField string
	// Known, when set, restricts output to these municipality codes.
	Known map[string]bool
}

// Stats counts what ParseShapefile did with each record.
type Stats struct {
	Records    int
	Boundaries int
	NoID       int
	NoGeometry int
	Unknown    int
	Merged     int
}

// ParseShapefile reads a polygon shapefile and returns one boundary per
// municipality code. Records sharing a code are merged into one multipolygon.
func ParseShapefile(shpPath string, opts Options) ([]model.Boundary, Stats, error) {
	var stats Stats
	if opts.IDField == "" {
		opts.IDField = DefaultIDField
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "boundary: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	idIdx := -1
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, opts.IDField) {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil, stats, eris.Errorf("boundary: field %s not found in %s", opts.IDField, shpPath)
	}

	byID := make(map[string]*geom.MultiPolygon)
	var order []string

	for reader.Next() {
		stats.Records++
		_, shape := reader.Shape()

		id := strings.ToUpper(strings.TrimSpace(strings.TrimRight(reader.Attribute(idIdx), "\x00")))
		if id == "" {
			stats.NoID++
			continue
		}
		if opts.Known != nil && !opts.Known[id] {
			stats.Unknown++
			continue
		}

		mp := ToMultiPolygon(shape)
		if mp == nil {
			stats.NoGeometry++
			continue
		}

		if existing, ok := byID[id]; ok {
			merge(existing, mp)
			stats.Merged++
			continue
		}
		byID[id] = mp
		order = append(order, id)
	}
	if err := reader.Err(); err != nil {
		return nil, stats, eris.Wrapf(err, "boundary: read shapefile %s", shpPath)
	}

	out := make([]model.Boundary, 0, len(order))
	for _, id := range order {
		out = append(out, model.Boundary{EntityID: id, Geometry: byID[id]})
	}
	stats.Boundaries = len(out)

	zap.L().Debug("boundary: parsed shapefile",
		zap.String("path", shpPath),
		zap.Int("records", stats.Records),
		zap.Int("boundaries", stats.Boundaries),
		zap.Int("no_id", stats.NoID),
		zap.Int("no_geometry", stats.NoGeometry),
		zap.Int("unknown", stats.Unknown),
		zap.Int("merged", stats.Merged),
	)

	return out, stats, nil
}
