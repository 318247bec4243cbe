package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/searchnode/internal/lifecycle"
)

// ClusterHandler serves cluster labels and the write target.
type ClusterHandler struct {
	manager *lifecycle.Manager
	logger  *slog.Logger
}

func NewClusterHandler(m *lifecycle.Manager, logger *slog.Logger) *ClusterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterHandler{manager: m, logger: logger}
}

type clusterRequest struct {
	Label string `json:"label"`
}

type writeTargetRequest struct {
	Node string `json:"node"`
}

// List handles GET /v1/clusters.
func (h *ClusterHandler) List(w http.ResponseWriter, r *http.Request) {
	labels, err := h.manager.ListClusters(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if labels == nil {
		labels = []string{}
	}
	WriteJSON(w, http.StatusOK, labels)
}

// Create handles POST /v1/clusters.
func (h *ClusterHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.manager.CreateCluster(r.Context(), req.Label); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, req)
}

// Delete handles DELETE /v1/clusters/{label}.
func (h *ClusterHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteCluster(r.Context(), chi.URLParam(r, "label")); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetWriteTarget handles PUT /v1/write-target. An empty node clears it.
func (h *ClusterHandler) SetWriteTarget(w http.ResponseWriter, r *http.Request) {
	var req writeTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.manager.SetWriteTarget(r.Context(), req.Node); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, req)
}
