// Package handler exposes the generation pipeline over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/studyprep/mcqgen/internal/backend"
	"github.com/studyprep/mcqgen/internal/index"
	"github.com/studyprep/mcqgen/internal/model"
	"github.com/studyprep/mcqgen/internal/orchestrator"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	orch    *orchestrator.Orchestrator
	store   *index.Store
	monitor *backend.Monitor
}

// New creates a new Handler.
func New(orch *orchestrator.Orchestrator, store *index.Store, monitor *backend.Monitor) *Handler {
	return &Handler{orch: orch, store: store, monitor: monitor}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/sessions", h.handleCreateSession)
	r.Get("/api/sessions", h.handleListSessions)
	r.Get("/api/sessions/{sessionID}", h.handleProgress)
	r.Post("/api/sessions/{sessionID}/cancel", h.handleCancel)
	r.Delete("/api/sessions/{sessionID}", h.handleCleanup)
	r.Post("/api/subjects/{subject}/rebuild", h.handleRebuild)
	r.Get("/api/subjects/{subject}/stats", h.handleStats)
	r.Get("/api/healthz", h.handleHealthz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	info, err := h.orch.CreateSession(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.orch.StartBackgroundGeneration(info.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Sessions())
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Progress(chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Cancel(chi.URLParam(r, "sessionID")); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Cleanup(chi.URLParam(r, "sessionID")); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if err := h.store.BuildOrLoad(r.Context(), subject, true); err != nil {
		if errors.Is(err, index.ErrNoCorpus) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := h.store.Stats(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(chi.URLParam(r, "subject"))
	if err != nil {
		if errors.Is(err, index.ErrNotBuilt) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ok, msg := h.monitor.CheckHealthy(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": ok, "detail": msg})
}
