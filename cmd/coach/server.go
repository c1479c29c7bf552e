package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"shuttle-coach/internal/advisor"
	"shuttle-coach/internal/learning"
	"shuttle-coach/internal/metrics"
	"shuttle-coach/internal/pose"
	"shuttle-coach/internal/store"
)

type apiServer struct {
	advisor *advisor.Advisor
	manager *learning.Manager
	store   *store.Store
}

func newServer(adv *advisor.Advisor, manager *learning.Manager, st *store.Store, m *metrics.Metrics, port int) *http.Server {
	s := &apiServer{advisor: adv, manager: manager, store: st}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/v1/feedback", s.handleFeedback)
	mux.HandleFunc("/api/v1/model/versions", s.handleVersions)
	mux.HandleFunc("/api/v1/model/rollback", s.handleRollback)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *apiServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sample pose.StrokeSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	report, err := s.advisor.Analyze(&sample)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *apiServer) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rec store.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.manager.Submit(rec); err != nil {
		var verr *learning.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"buffered": s.manager.BufferLen(),
	})
}

func (s *apiServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	versions, err := s.store.Versions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type versionInfo struct {
		ID                   uint64    `json:"id"`
		TrainedAt            time.Time `json:"trainedAt"`
		ValidationMetric     float64   `json:"validationMetric"`
		ParentVersionID      uint64    `json:"parentVersionId"`
		FeatureSchemaVersion string    `json:"featureSchemaVersion"`
		Active               bool      `json:"active"`
	}

	var activeID uint64
	if active := s.manager.Active(); active != nil {
		activeID = active.Version()
	}

	out := make([]versionInfo, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionInfo{
			ID:                   v.ID,
			TrainedAt:            v.TrainedAt,
			ValidationMetric:     v.ValidationMetric,
			ParentVersionID:      v.ParentVersionID,
			FeatureSchemaVersion: v.FeatureSchemaVersion,
			Active:               v.ID == activeID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		VersionID uint64 `json:"versionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.manager.Rollback(req.VersionID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.VersionID})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var modelVersion uint64
	mode := "rule-only"
	if active := s.manager.Active(); active != nil {
		modelVersion = active.Version()
		mode = "fused"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"mode":         mode,
		"modelVersion": modelVersion,
		"state":        s.manager.State(),
		"buffered":     s.manager.BufferLen(),
	})
}
