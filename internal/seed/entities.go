package seed

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seemycity/muni-health/internal/fetcher"
	"github.com/seemycity/muni-health/internal/model"
)

// columnAliases maps entity fields to the header names seen in published
// municipality lists. Headers are matched lowercased.
var columnAliases = map[string][]string{
	"id":             {"id", "demarcation_code", "munic_code", "code", "cat_b"},
	"name":           {"name", "municipality", "munic_name", "municname"},
	"province":       {"province", "province_name", "province_code"},
	"population":     {"population", "pop", "population_2022"},
	"classification": {"classification", "category", "miif_category"},
	"district_id":    {"district_id", "district_code"},
	"district_name":  {"district_name", "district"},
	"address":        {"address", "postal_address"},
	"phone":          {"phone", "phone_number", "telephone"},
	"website":        {"website", "url", "web"},
}

// RowError describes a row that was rejected.
type RowError struct {
	Row    int
	ID     string
	Reason string
}

// EntityReport summarizes one entity load.
type EntityReport struct {
	Source     string
	Rows       int
	Valid      int
	Duplicates int
	Rejected   []RowError
}

// EntityLoader reads municipality reference lists.
type EntityLoader struct {
	validate *validator.Validate
	xlsx     fetcher.XLSXOptions
}

// NewEntityLoader returns a loader reading the given XLSX sheet options.
func NewEntityLoader(xlsx fetcher.XLSXOptions) *EntityLoader {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsInf(f, 0) && !math.IsNaN(f)
	})
	return &EntityLoader{validate: v, xlsx: xlsx}
}

// LoadFile parses a CSV, XLSX, or YAML file into validated entities. Rejected
// rows are reported, not returned as errors. Later duplicates of an ID are
// dropped.
func (l *EntityLoader) LoadFile(ctx context.Context, path string) ([]model.Entity, *EntityReport, error) {
	report := &EntityReport{Source: path}

	var (
		raw []model.Entity
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".txt":
		raw, err = l.fromCSV(ctx, path)
	case ".xlsx":
		raw, err = l.fromXLSX(path)
	case ".yaml", ".yml":
		raw, err = fromYAML(path)
	default:
		return nil, report, eris.Errorf("seed: unsupported entity file type %q", ext)
	}
	if err != nil {
		return nil, report, err
	}

	report.Rows = len(raw)
	seen := make(map[string]bool, len(raw))
	out := make([]model.Entity, 0, len(raw))
	for i, e := range raw {
		e = normalizeEntity(e)
		if err := l.validate.Struct(e); err != nil {
			report.Rejected = append(report.Rejected, RowError{Row: i + 1, ID: e.ID, Reason: describe(err)})
			continue
		}
		if seen[e.ID] {
			report.Duplicates++
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	report.Valid = len(out)

	for _, rej := range report.Rejected {
		zap.L().Warn("seed: rejected entity row",
			zap.String("source", path),
			zap.Int("row", rej.Row),
			zap.String("entity", rej.ID),
			zap.String("reason", rej.Reason),
		)
	}
	return out, report, nil
}

func (l *EntityLoader) fromCSV(ctx context.Context, path string) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	tbl, err := fetcher.ReadCSVTable(ctx, f, fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true})
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read csv %s", path)
	}
	return fromTable(tbl)
}

func (l *EntityLoader) fromXLSX(path string) ([]model.Entity, error) {
	tbl, err := fetcher.ReadXLSXTable(path, l.xlsx)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read xlsx %s", path)
	}
	return fromTable(tbl)
}

// fromYAML accepts either a bare list or a top-level "municipalities" list.
func fromYAML(path string) ([]model.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}

	var wrapper struct {
		Municipalities []model.Entity `yaml:"municipalities"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err == nil && len(wrapper.Municipalities) > 0 {
		return wrapper.Municipalities, nil
	}

	var list []model.Entity
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, eris.Wrapf(err, "seed: parse yaml %s", path)
	}
	return list, nil
}

func fromTable(tbl *fetcher.Table) ([]model.Entity, error) {
	idx := tbl.Index()
	col := make(map[string]int, len(columnAliases))
	for field, aliases := range columnAliases {
		for _, a := range aliases {
			if i, ok := idx[a]; ok {
				col[field] = i
				break
			}
		}
	}
	for _, required := range []string{"id", "name", "province"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("seed: no %s column in header %v", required, tbl.Header)
		}
	}

	get := func(row []string, field string) string {
		i, ok := col[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	opt := func(row []string, field string) *string {
		if v := get(row, field); v != "" {
			return &v
		}
		return nil
	}

	out := make([]model.Entity, 0, len(tbl.Rows))
	for _, row := range tbl.Rows {
		e := model.Entity{
			ID:             get(row, "id"),
			Name:           get(row, "name"),
			Province:       get(row, "province"),
			Classification: opt(row, "classification"),
			DistrictID:     opt(row, "district_id"),
			DistrictName:   opt(row, "district_name"),
			Address:        opt(row, "address"),
			Phone:          opt(row, "phone"),
			Website:        opt(row, "website"),
		}
		if raw := get(row, "population"); raw != "" {
			if pop, ok := parsePopulation(raw); ok {
				e.Population = &pop
			} else {
				// Leave it to validation to reject.
				neg := -1.0
				e.Population = &neg
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// parsePopulation accepts thousands separators written as commas or spaces.
// Infinities and NaN are rejected.
func parsePopulation(raw string) (float64, bool) {
	clean := strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(raw)
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func normalizeEntity(e model.Entity) model.Entity {
	e.ID = strings.ToUpper(strings.TrimSpace(e.ID))
	e.Name = strings.TrimSpace(e.Name)
	e.Province = strings.TrimSpace(e.Province)
	if e.Website != nil {
		w := strings.TrimSpace(*e.Website)
		switch {
		case w == "":
			e.Website = nil
		case !strings.Contains(w, "://"):
			w = "https://" + w
			e.Website = &w
		default:
			e.Website = &w
		}
	}
	return e
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
