package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/certivid/evidence-engine/internal/adapter"
	"github.com/certivid/evidence-engine/internal/service"
)

type SpoolRequest struct {
	Path string `json:"path"`
}

type V1Handler struct {
	Store        adapter.CaptureStore
	SpoolWatcher *service.SpoolWatcherAdmin
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// CaptureStatus serves the persisted certification progress and, when
// terminal, the certification result for a capture.
func (h *V1Handler) CaptureStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	captureID := r.URL.Query().Get("captureId")
	if captureID == "" {
		http.Error(w, "captureId is required", http.StatusBadRequest)
		return
	}

	response := map[string]any{}
	if progress, err := h.Store.GetCertificationProgress(r.Context(), captureID); err == nil {
		response["progress"] = progress
	}
	if result, err := h.Store.GetCertificationResult(r.Context(), captureID); err == nil {
		response["result"] = result
	}
	if len(response) == 0 {
		http.Error(w, "capture not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *V1Handler) AddSpoolToWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request SpoolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if request.Path == "" {
		http.Error(w, "Path is required", http.StatusBadRequest)
		return
	}

	if h.Store.GetSpoolWatch(r.Context(), request.Path) == nil {
		http.Error(w, "Path is already added", http.StatusConflict)
		return
	}

	cfg := h.SpoolWatcher.PipelineConfig
	cfg.SpoolPath = request.Path

	h.SpoolWatcher.AddAndWatchSpool(cfg)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Spool path added to watchlist"))
}

func (h *V1Handler) RemoveSpoolFromWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request SpoolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.SpoolWatcher.DeleteWatchSpool(request.Path); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
