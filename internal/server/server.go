// Package server exposes the engine over HTTP: health and metrics probes
// plus a small token-guarded operator API for stats, history, manual
// overrides, outcome settlement and emergency-stop resets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"predix-engine/internal/engine"
	"predix-engine/internal/prediction"
)

type Server struct {
	engine *engine.Engine
	token  string
	srv    *http.Server
}

func New(e *engine.Engine, addr, token string) *Server {
	s := &Server{engine: e, token: token}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", s.auth(s.handleStats))
	mux.HandleFunc("/predictions", s.auth(s.handlePredictions))
	mux.HandleFunc("/override", s.auth(s.handleOverride))
	mux.HandleFunc("/outcome", s.auth(s.handleOutcome))
	mux.HandleFunc("/reset", s.auth(s.handleReset))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.srv.Addr).Msg("API server listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// auth guards operator endpoints with a bearer token. An empty configured
// token disables the API entirely rather than leaving it open.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			http.Error(w, "operator API disabled", http.StatusForbidden)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	preds := s.engine.GetRecentPredictions(limit)
	if preds == nil {
		preds = []prediction.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(preds),
		"predictions": preds,
	})
}

type overrideReq struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req overrideReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	dir, err := prediction.ParseDirection(req.Direction)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		http.Error(w, "confidence must be between 0 and 1", http.StatusBadRequest)
		return
	}
	res, err := s.engine.ManualOverride(r.Context(), dir, req.Confidence)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type outcomeReq struct {
	RoundID int64  `json:"round_id"`
	Actual  string `json:"actual_outcome"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req outcomeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if req.RoundID == 0 || req.Actual == "" {
		http.Error(w, "round_id and actual_outcome are required", http.StatusBadRequest)
		return
	}
	actual, err := prediction.ParseDirection(req.Actual)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.UpdatePredictionOutcome(req.RoundID, actual); err != nil {
		if errors.Is(err, engine.ErrUnknownRound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.ResetEmergencyStop()
	writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encoding response failed")
	}
}
