package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/refresh"
	"github.com/seemycity/muni-health/internal/store"
)

const (
	minYear = 2000
	maxYear = 2100
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		zap.L().Warn("api: readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	filter := store.EntityFilter{Province: r.URL.Query().Get("province")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > s.cfg.MaxListLimit {
			writeError(w, http.StatusBadRequest, codeInvalidParam,
				"limit must be an integer between 1 and "+strconv.Itoa(s.cfg.MaxListLimit))
			return
		}
		filter.Limit = limit
	}

	sums, err := s.store.ListEntities(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list entities", err)
		return
	}

	fc := featureCollection{Type: "FeatureCollection", Features: make([]feature, 0, len(sums))}
	for _, sum := range sums {
		g, err := encodeGeometry(sum.Geometry)
		if err != nil {
			zap.L().Warn("api: encode boundary failed", zap.String("entity", sum.Entity.ID), zap.Error(err))
			g = nil
		}
		fc.Features = append(fc.Features, toFeature(sum, g))
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleEntityDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "id")))
	year := s.cfg.DefaultYear
	if raw := r.URL.Query().Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < minYear || y > maxYear {
			writeError(w, http.StatusBadRequest, codeInvalidParam, "year must be a four-digit financial year")
			return
		}
		year = y
	}

	log := zap.L().With(zap.String("entity", id), zap.Int("year", year),
		zap.String("request_id", middleware.GetReqID(r.Context())))

	res, refreshErr := s.refresher.Get(r.Context(), id, year)
	switch {
	case refreshErr == nil:
	case errors.Is(refreshErr, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "municipality "+id+" not found")
		return
	case refresh.IsNoData(refreshErr):
		// Keep going: other years may still be cached.
		log.Info("api: no data for requested year", zap.Error(refreshErr))
	default:
		s.internalError(w, r, "refresh entity", refreshErr)
		return
	}

	entity, err := s.store.GetEntity(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "municipality "+id+" not found")
			return
		}
		s.internalError(w, r, "get entity", err)
		return
	}

	records, err := s.store.ListFinancials(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "list financials", err)
		return
	}
	if refreshErr != nil && len(records) == 0 {
		writeError(w, http.StatusServiceUnavailable, codeNoData,
			"no financial data is available for municipality "+id+" yet; try again later")
		return
	}

	boundary, err := s.store.GetBoundary(r.Context(), id)
	if err != nil {
		// The boundary is decorative; serve the financials without it.
		log.Warn("api: boundary lookup failed", zap.Error(err))
		boundary = nil
	}
	geometry, err := encodeGeometry(boundary)
	if err != nil {
		log.Warn("api: encode boundary failed", zap.Error(err))
		geometry = nil
	}

	detail := newEntityDetail(entity, records, geometry)
	if refreshErr != nil {
		detail.DataStatus = dataStatus{
			Year:    year,
			State:   string(refresh.StateRefreshFailedNoData),
			Message: "no financial data is available for " + strconv.Itoa(year) + "; showing other cached years",
		}
	} else {
		detail.DataStatus = statusFor(year, res)
	}
	writeJSON(w, http.StatusOK, detail)
}

func newEntityDetail(e *model.Entity, records []model.FinancialRecord, geometry *geojson.Geometry) entityDetail {
	d := entityDetail{
		ID:             e.ID,
		Name:           e.Name,
		Province:       e.Province,
		Population:     e.Population,
		Classification: e.Classification,
		Website:        e.Website,
		DistrictName:   e.DistrictName,
		Financials:     make([]financialView, 0, len(records)),
		Geometry:       geometry,
	}
	for _, rec := range records {
		d.Financials = append(d.Financials, toFinancialView(rec))
	}
	return d
}

// internalError logs err and writes a generic 500 without echoing it.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	zap.L().Error("api: "+op,
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, codeServiceUnavailable,
		"the service is temporarily unable to handle this request")
}
