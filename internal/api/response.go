package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/refresh"
)

const (
	codeNotFound           = "not_found"
	codeNoData             = "no_data_available"
	codeServiceUnavailable = "service_unavailable"
	codeInvalidParam       = "invalid_parameter"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type entityDetail struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Province       string            `json:"province"`
	Population     *float64          `json:"population"`
	Classification *string           `json:"classification"`
	Website        *string           `json:"website"`
	DistrictName   *string           `json:"district_name"`
	Financials     []financialView   `json:"financials"`
	Geometry       *geojson.Geometry `json:"geometry,omitempty"`
	DataStatus     dataStatus        `json:"data_status"`
}

type financialView struct {
	Year                 int       `json:"year"`
	Revenue              *float64  `json:"revenue"`
	Expenditure          *float64  `json:"expenditure"`
	CapitalExpenditure   *float64  `json:"capital_expenditure"`
	Debt                 *float64  `json:"debt"`
	AuditOutcome         *string   `json:"audit_outcome"`
	OverallScore         float64   `json:"overall_score"`
	FinancialHealthScore float64   `json:"financial_health_score"`
	InfrastructureScore  float64   `json:"infrastructure_score"`
	EfficiencyScore      float64   `json:"efficiency_score"`
	AccountabilityScore  float64   `json:"accountability_score"`
	FetchedAt            time.Time `json:"fetched_at"`
}

type dataStatus struct {
	Year    int    `json:"year"`
	State   string `json:"state"`
	Stale   bool   `json:"stale"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func toFinancialView(rec model.FinancialRecord) financialView {
	v := financialView{
		Year:                 rec.Year(),
		Revenue:              model.FloatPtr(rec.Metrics.Revenue),
		Expenditure:          model.FloatPtr(rec.Metrics.Expenditure),
		CapitalExpenditure:   model.FloatPtr(rec.Metrics.CapitalExpenditure),
		Debt:                 model.FloatPtr(rec.Metrics.Debt),
		OverallScore:         rec.Scores.Overall,
		FinancialHealthScore: rec.Scores.FinancialHealth,
		InfrastructureScore:  rec.Scores.Infrastructure,
		EfficiencyScore:      rec.Scores.Efficiency,
		AccountabilityScore:  rec.Scores.Accountability,
		FetchedAt:            rec.FetchedAt.UTC(),
	}
	if rec.Metrics.AuditOutcome != nil {
		s := string(*rec.Metrics.AuditOutcome)
		v.AuditOutcome = &s
	}
	return v
}

// feature mirrors a GeoJSON Feature but keeps a null geometry when the
// boundary is missing.
type feature struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

func toFeature(sum model.EntitySummary, g *geojson.Geometry) feature {
	e := sum.Entity
	return feature{
		Type:     "Feature",
		ID:       e.ID,
		Geometry: g,
		Properties: map[string]any{
			"id":             e.ID,
			"name":           e.Name,
			"province":       e.Province,
			"population":     e.Population,
			"classification": e.Classification,
			"latest_score":   sum.LatestScore,
			"latest_year":    sum.LatestYear,
		},
	}
}

func encodeGeometry(g geom.T) (*geojson.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	return geojson.Encode(g)
}

func statusFor(year int, res *refresh.Result) dataStatus {
	ds := dataStatus{Year: year, State: string(res.State), Stale: res.Stale}
	if res.Stale && res.Record != nil {
		ds.Message = "Showing cached data from " + res.Record.FetchedAt.UTC().Format(time.RFC3339) +
			"; the latest refresh from the upstream source failed."
	}
	return ds
}
