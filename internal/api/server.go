// Package api exposes the pricing core over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fleetpricing/internal/config"
	"fleetpricing/internal/market"
	"fleetpricing/internal/metrics"
	"fleetpricing/internal/pricing"
	"fleetpricing/internal/rates"
	"fleetpricing/internal/scheduler"
	"fleetpricing/internal/store"
)

// quoteTimeout caps per-request pricing work.
const quoteTimeout = 10 * time.Second

// Server is the HTTP API server that connects the quote engine, the rate
// mutator, and the scrape scheduler.
type Server struct {
	cfg         *config.Config
	store       store.Store
	engine      *pricing.Engine
	recommender *pricing.Recommender
	mutator     *rates.Mutator
	scheduler   *scheduler.Scheduler
}

// NewServer creates a Server with all subsystem dependencies.
func NewServer(cfg *config.Config, s store.Store, engine *pricing.Engine, rec *pricing.Recommender, mut *rates.Mutator, sched *scheduler.Scheduler) *Server {
	return &Server{
		cfg:         cfg,
		store:       s,
		engine:      engine,
		recommender: rec,
		mutator:     mut,
		scheduler:   sched,
	}
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/quote", s.handleQuote)
	mux.HandleFunc("POST /api/pricing/apply", s.handleApply)
	mux.HandleFunc("POST /api/pricing/rollback", s.handleRollback)
	mux.HandleFunc("POST /api/pricing/recommend", s.handleRecommend)
	mux.HandleFunc("GET /api/providers/status", s.handleProviderStatus)
	mux.HandleFunc("POST /api/admin/scrape", s.requireCronSecret(s.handleTriggerScrape))
	mux.HandleFunc("GET /api/admin/scheduler", s.requireCronSecret(s.handleSchedulerStatus))
	mux.Handle("GET /metrics", metrics.Handler())
	return corsMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req pricing.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), quoteTimeout)
	defer cancel()

	resp, err := s.engine.Quote(ctx, req)
	switch {
	case errors.Is(err, pricing.ErrNoVehicles),
		errors.Is(err, pricing.ErrInvalidWindow),
		errors.Is(err, pricing.ErrPickupInPast):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

type applyRequest struct {
	VehicleID        string                 `json:"vehicle_id"`
	NewBaseDailyRate float64                `json:"new_base_daily_rate"`
	Reason           string                 `json:"reason"`
	TriggeredBy      string                 `json:"triggered_by"`
	Context          map[string]interface{} `json:"context"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	res, err := s.mutator.UpdateBaseRate(r.Context(), req.VehicleID, req.NewBaseDailyRate, req.Reason, req.TriggeredBy, req.Context)
	if err != nil {
		writeMutatorError(w, err)
		return
	}
	writeJSON(w, res)
}

type rollbackRequest struct {
	VehicleID           string  `json:"vehicle_id"`
	HistoryID           string  `json:"history_id"`
	TargetBaseDailyRate float64 `json:"target_base_daily_rate"`
	TriggeredBy         string  `json:"triggered_by"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	res, err := s.mutator.Rollback(r.Context(), req.VehicleID, req.HistoryID, req.TargetBaseDailyRate, req.TriggeredBy)
	if err != nil {
		writeMutatorError(w, err)
		return
	}
	writeJSON(w, res)
}

type recommendRequest struct {
	VehicleID  string    `json:"vehicle_id"`
	PickupAt   time.Time `json:"pickup_at"`
	RentalDays int       `json:"rental_days"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	if req.PickupAt.IsZero() {
		req.PickupAt = time.Now().UTC().AddDate(0, 0, 1)
	}
	if req.RentalDays < 1 {
		req.RentalDays = 1
	}

	rec, err := s.recommender.Recommend(r.Context(), req.VehicleID, req.PickupAt, req.RentalDays)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "vehicle not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := market.ProviderStatuses(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"providers": statuses})
}

func (s *Server) handleTriggerScrape(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = s.cfg.ScrapeMode
	}
	switch mode {
	case market.ModeFastGrid, market.ModeFullGrid, market.ModeAirportQuote:
	default:
		writeError(w, http.StatusBadRequest, "unknown scrape mode: "+mode)
		return
	}

	// Runs in the background under the scheduler's lock; the request only
	// acknowledges the trigger.
	go s.scheduler.TriggerScrape(context.WithoutCancel(r.Context()), mode)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "triggered", "mode": mode})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.scheduler.Status())
}

// requireCronSecret guards operational endpoints with the shared secret.
func (s *Server) requireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled: no cron secret configured")
			return
		}
		if r.Header.Get("X-Cron-Secret") != s.cfg.CronSecret {
			writeError(w, http.StatusUnauthorized, "invalid cron secret")
			return
		}
		next(w, r)
	}
}

func writeMutatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rates.ErrVehicleNotFound), errors.Is(err, rates.ErrHistoryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rates.ErrNonPositiveRate),
		errors.Is(err, rates.ErrRateBelowCost),
		errors.Is(err, rates.ErrAmbiguousTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "transient conflict, retry")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Cron-Secret")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
