package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetimmune/fleetimmune/internal/analytics"
	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/intake"
	"github.com/fleetimmune/fleetimmune/internal/model"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
	"github.com/fleetimmune/fleetimmune/internal/propagate"
)

// Server exposes the engine's write and query boundaries over HTTP.
type Server struct {
	r        *chi.Mux
	gateway  *intake.Gateway
	registry *fleet.Registry
	store    *patchstore.Store
	view     *analytics.View
	history  *propagate.History
	schema   *intake.SchemaValidator
	logger   *slog.Logger
}

// NewServer wires the HTTP API.
func NewServer(gateway *intake.Gateway, registry *fleet.Registry, store *patchstore.Store,
	view *analytics.View, history *propagate.History, schema *intake.SchemaValidator, logger *slog.Logger) *Server {

	s := &Server{
		r:        chi.NewRouter(),
		gateway:  gateway,
		registry: registry,
		store:    store,
		view:     view,
		history:  history,
		schema:   schema,
		logger:   logger,
	}
	s.r.Use(middleware.Logger)
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Handle("/metrics", promhttp.Handler())

	s.r.Post("/detections", s.postDetection)
	s.r.Get("/detections/recent", s.getRecentDetections)

	s.r.Post("/workers", s.postWorker)
	s.r.Delete("/workers/{worker_id}", s.deleteWorker)
	s.r.Get("/workers/{worker_id}", s.getWorker)
	s.r.Get("/workers", s.listWorkers)
	s.r.Post("/workers/{worker_id}/heartbeat", s.postHeartbeat)

	s.r.Get("/patches/active", s.getActivePatches)
	s.r.Get("/patches/{patch_id}", s.getPatch)

	s.r.Get("/propagations/{propagation_id}", s.getPropagation)
	s.r.Get("/analytics", s.getAnalytics)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.r }

// postDetection is the engine's sole write entry point for reports.
func (s *Server) postDetection(w http.ResponseWriter, r *http.Request) {
	var doc any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := decodeRaw(doc)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	async := r.URL.Query().Get("async") == "true"
	var result *intake.IntakeResult
	if async {
		result, err = s.gateway.ReportDetectionAsync(r.Context(), raw)
	} else {
		result, err = s.gateway.ReportDetection(r.Context(), raw)
	}
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("Detection intake failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "intake failed")
		return
	}

	status := http.StatusCreated
	if async {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, result)
}

// decodeRaw re-marshals the schema-validated document into the typed shape.
func decodeRaw(doc any) (intake.RawDetection, error) {
	var raw intake.RawDetection
	data, err := json.Marshal(doc)
	if err != nil {
		return raw, err
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, err
	}
	return raw, nil
}

func (s *Server) getRecentDetections(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.gateway.RecentDetections(limit))
}

func (s *Server) postWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkerID string `json:"worker_id"`
		Region   string `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	record, err := s.registry.Register(body.WorkerID, model.Region(body.Region))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if err := s.registry.Deregister(workerID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "worker_id": workerID})
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	record, err := s.registry.Get(workerID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		s.writeError(w, http.StatusBadRequest, "region query parameter is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.ListByRegion(model.Region(region)))
}

func (s *Server) postHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	var body struct {
		HealthScore float64 `json:"health_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.registry.Heartbeat(workerID, body.HealthScore); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	record, err := s.registry.Get(workerID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) getActivePatches(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.ActivePatches(time.Now().UTC()))
}

func (s *Server) getPatch(w http.ResponseWriter, r *http.Request) {
	patchID := chi.URLParam(r, "patch_id")
	patch, err := s.store.Get(patchID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, patch)
}

func (s *Server) getPropagation(w http.ResponseWriter, r *http.Request) {
	propagationID := chi.URLParam(r, "propagation_id")
	result, err := s.history.Get(propagationID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getAnalytics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.view.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{"error": message})
}
