// Package api exposes ingestion and the query surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-intel/internal/model"
	"price-intel/internal/service"
)

type Handler struct {
	engine *service.Engine
	logger zerolog.Logger
}

func New(engine *service.Engine, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /observations", h.HandlePostObservation)
	mux.HandleFunc("GET /products/{id}/snapshot", h.HandleGetSnapshot)
	mux.HandleFunc("GET /products/{id}/forecast", h.HandleGetForecast)
	mux.HandleFunc("GET /products/{id}/recommendation", h.HandleGetRecommendation)
	mux.HandleFunc("GET /products/{id}/alerts", h.HandleGetAlerts)
	mux.HandleFunc("GET /deals", h.HandleGetDeals)
	mux.HandleFunc("GET /health", h.HandleHealth)
	return mux
}

type observationRequest struct {
	ProductID string          `json:"product_id"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Site      string          `json:"site"`
}

type ingestResponse struct {
	Status   model.IngestStatus `json:"status"`
	Snapshot *snapshotResponse  `json:"snapshot,omitempty"`
	Deal     *dealResponse      `json:"deal,omitempty"`
	Alerts   []alertResponse    `json:"alerts,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// POST /observations
func (h *Handler) HandlePostObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: model.IngestRejected, Error: "invalid request body"})
		return
	}

	res, err := h.engine.SubmitObservation(r.Context(), model.PriceObservation{
		ProductID: req.ProductID,
		Timestamp: req.Timestamp,
		Price:     req.Price,
		Currency:  req.Currency,
		Site:      model.Site(req.Site),
	})
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Status: model.IngestRejected, Error: verr.Error()})
			return
		}
		h.writeError(w, r, err)
		return
	}

	out := ingestResponse{Status: res.Status}
	if res.Snapshot != nil {
		snap := toSnapshot(*res.Snapshot)
		out.Snapshot = &snap
	}
	if res.Deal.IsDeal && res.Snapshot != nil {
		out.Deal = &dealResponse{
			ProductID:        req.ProductID,
			Reasons:          res.Deal.Reasons,
			Current:          res.Snapshot.Current,
			DiscountAmount:   res.Deal.DiscountAmount,
			DiscountFraction: res.Deal.DiscountFraction,
		}
	}
	for _, rec := range res.Alerts {
		out.Alerts = append(out.Alerts, toAlert(rec))
	}

	status := http.StatusCreated
	if res.Status == model.IngestDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// GET /products/{id}/snapshot
func (h *Handler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshot(snap))
}

// GET /products/{id}/forecast?model=&horizon=
func (h *Handler) HandleGetForecast(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	horizon := 0
	if v := query.Get("horizon"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "horizon must be a positive integer"})
			return
		}
		horizon = n
	}

	fc, err := h.engine.GetForecast(r.Context(), r.PathValue("id"), query.Get("model"), horizon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// GET /products/{id}/recommendation
func (h *Handler) HandleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.GetRecommendation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /products/{id}/alerts?limit=
func (h *Handler) HandleGetAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.engine.ListAlerts(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toAlert(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /deals
func (h *Handler) HandleGetDeals(w http.ResponseWriter, r *http.Request) {
	found, err := h.engine.ListDeals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dealResponse, 0, len(found))
	for _, d := range found {
		out = append(out, dealResponse{
			ProductID:        d.ProductID,
			Reasons:          d.Reasons,
			Current:          d.Current,
			DiscountAmount:   d.DiscountAmount,
			DiscountFraction: d.DiscountFraction,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps engine errors onto status codes; anything unrecognised is a 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *model.ValidationError
		ierr *model.InsufficientHistoryError
		ferr *model.ForecastError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, model.ErrProductNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "product not found"})
	case errors.As(err, &ierr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "not enough data yet", Detail: ierr.Error()})
	case errors.Is(err, model.ErrUnknownModel):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &ferr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "forecast unavailable", Detail: ferr.Error()})
	case errors.Is(err, model.ErrStoreUnavailable):
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
