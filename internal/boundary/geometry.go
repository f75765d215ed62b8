package boundary

import (
	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// SRID is the spatial reference of stored boundaries (WGS 84).
const SRID = 4326

// ToMultiPolygon converts a shapefile polygon to a geom.MultiPolygon with
// SRID 4326. Each shapefile part becomes one single-ring polygon. Returns nil
// for nil, empty, or non-polygon shapes.
func ToMultiPolygon(shape shp.Shape) *geom.MultiPolygon {
	switch s := shape.(type) {
	case *shp.Polygon:
		return partsToMultiPolygon(s.Parts, s.Points)
	case *shp.PolygonZ:
		return partsToMultiPolygon(s.Parts, s.Points)
	case *shp.PolygonM:
		return partsToMultiPolygon(s.Parts, s.Points)
	default:
		return nil
	}
}

func partsToMultiPolygon(parts []int32, points []shp.Point) *geom.MultiPolygon {
	if len(parts) == 0 || len(points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(SRID)

	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || end-start < 4 {
			zap.L().Debug("boundary: skipping degenerate ring", zap.Int("part", i))
			continue
		}

		flat := make([]float64, 0, (end-start)*2)
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("boundary: skipping malformed ring", zap.Int("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("boundary: skipping malformed polygon", zap.Int("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// merge appends the polygons of src to dst.
func merge(dst, src *geom.MultiPolygon) {
	for i := range src.NumPolygons() {
		if err := dst.Push(src.Polygon(i)); err != nil {
			zap.L().Debug("boundary: skipping polygon during merge", zap.Int("polygon", i), zap.Error(err))
		}
	}
}
