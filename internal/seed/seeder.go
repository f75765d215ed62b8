// Package seed loads municipality reference data and boundaries into the
// cache store from local or remote files.
package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/seemycity/muni-health/internal/boundary"
	"github.com/seemycity/muni-health/internal/fetcher"
	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/store"
)

// Writer is the store surface the seeder needs.
type Writer interface {
	UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error)
	UpsertGeometries(ctx context.Context, boundaries []model.Boundary) (int64, error)
	ListEntities(ctx context.Context, filter store.EntityFilter) ([]model.EntitySummary, error)
}

// Resolver turns a source string into a local file path.
type Resolver interface {
	Resolve(ctx context.Context, source, workDir string) (string, error)
}

// BoundaryReport summarizes one boundary load.
type BoundaryReport struct {
	Source  string
	Stats   boundary.Stats
	Written int64
}

// Seeder loads entities and boundaries into the store.
type Seeder struct {
	store    Writer
	resolver Resolver
	loader   *EntityLoader
	workDir  string
}

// New creates a Seeder that downloads remote sources into workDir.
func New(w Writer, r Resolver, loader *EntityLoader, workDir string) *Seeder {
	if loader == nil {
		loader = NewEntityLoader(fetcher.XLSXOptions{})
	}
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "muni-health")
	}
	return &Seeder{store: w, resolver: r, loader: loader, workDir: workDir}
}

// SeedEntities loads municipalities from source and upserts them.
func (s *Seeder) SeedEntities(ctx context.Context, source string) (*EntityReport, error) {
	path, err := s.localize(ctx, source, ".csv", ".xlsx", ".yaml", ".yml")
	if err != nil {
		return nil, err
	}

	entities, report, err := s.loader.LoadFile(ctx, path)
	if err != nil {
		return report, err
	}
	report.Source = source
	if len(entities) == 0 {
		return report, eris.Errorf("seed: no valid entities in %s", source)
	}

	n, err := s.store.UpsertEntities(ctx, entities)
	if err != nil {
		return report, eris.Wrap(err, "seed: upsert entities")
	}

	zap.L().Info("seed: entities loaded",
		zap.String("source", source),
		zap.Int("rows", report.Rows),
		zap.Int("valid", report.Valid),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("duplicates", report.Duplicates),
		zap.Int64("upserted", n),
	)
	return report, nil
}

// SeedBoundaries loads a (zipped) polygon shapefile and upserts one boundary
// per seeded municipality. Codes with no seeded municipality are skipped.
func (s *Seeder) SeedBoundaries(ctx context.Context, source, idField string) (*BoundaryReport, error) {
	path, err := s.localize(ctx, source, ".shp")
	if err != nil {
		return nil, err
	}

	sums, err := s.store.ListEntities(ctx, store.EntityFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "seed: list entities")
	}
	if len(sums) == 0 {
		return nil, eris.New("seed: no entities seeded; run seed entities first")
	}
	known := make(map[string]bool, len(sums))
	for _, sum := range sums {
		known[sum.Entity.ID] = true
	}

	boundaries, stats, err := boundary.ParseShapefile(path, boundary.Options{IDField: idField, Known: known})
	if err != nil {
		return nil, err
	}
	report := &BoundaryReport{Source: source, Stats: stats}
	if len(boundaries) == 0 {
		return report, eris.Errorf("seed: no boundaries matched seeded entities in %s", source)
	}

	n, err := s.store.UpsertGeometries(ctx, boundaries)
	if err != nil {
		return report, eris.Wrap(err, "seed: upsert geometries")
	}
	report.Written = n

	zap.L().Info("seed: boundaries loaded",
		zap.String("source", source),
		zap.Int("records", stats.Records),
		zap.Int("boundaries", stats.Boundaries),
		zap.Int("unknown", stats.Unknown),
		zap.Int64("upserted", n),
	)
	return report, nil
}

// localize resolves source to a local file, unpacking ZIP archives and
// picking the first entry with one of exts.
func (s *Seeder) localize(ctx context.Context, source string, exts ...string) (string, error) {
	path, err := s.resolver.Resolve(ctx, source, s.workDir)
	if err != nil {
		return "", err
	}
	if !fetcher.IsZIP(path) {
		return path, nil
	}

	dest := filepath.Join(s.workDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", eris.Wrap(err, "seed: create extract dir")
	}
	files, err := fetcher.ExtractZIP(path, dest)
	if err != nil {
		return "", eris.Wrapf(err, "seed: extract %s", path)
	}
	found, err := fetcher.FindByExt(files, exts...)
	if err != nil {
		return "", eris.Wrapf(err, "seed: %s", source)
	}
	return found, nil
}
