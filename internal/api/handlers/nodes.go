package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/lifecycle"
	"github.com/narvanalabs/searchnode/internal/models"
)

// NodeHandler serves /v1/nodes.
type NodeHandler struct {
	manager *lifecycle.Manager
	logger  *slog.Logger
}

func NewNodeHandler(m *lifecycle.Manager, logger *slog.Logger) *NodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHandler{manager: m, logger: logger}
}

// ValidateRequest is the body of POST /v1/nodes/validate.
type ValidateRequest struct {
	Node         models.Node `json:"node"`
	OriginalName string      `json:"original_name,omitempty"`
}

// MoveRequest is the body of POST /v1/nodes/{name}/move.
type MoveRequest struct {
	Root         string `json:"root"`
	PreserveData bool   `json:"preserve_data"`
}

// CopyRequest is the body of POST /v1/nodes/{name}/copy.
type CopyRequest struct {
	Name     string `json:"name"`
	Root     string `json:"root,omitempty"`
	CopyData bool   `json:"copy_data"`
}

// List handles GET /v1/nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.manager.List(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if nodes == nil {
		nodes = []*models.Node{}
	}
	WriteJSON(w, http.StatusOK, nodes)
}

// Create handles POST /v1/nodes.
func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.Node
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	n, err := h.manager.Create(r.Context(), &req)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, n)
}

// Validate handles POST /v1/nodes/validate. Conflicts are reported in the
// body with a 200; only malformed requests fail.
func (h *NodeHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	res, err := h.manager.Validate(r.Context(), &req.Node, req.OriginalName)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Reconcile handles POST /v1/nodes/reconcile.
func (h *NodeHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.manager.Reconcile(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// Get handles GET /v1/nodes/{name}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, n)
}

// Update handles PATCH /v1/nodes/{name}.
func (h *NodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.NodeUpdate
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	n, err := h.manager.Update(r.Context(), chi.URLParam(r, "name"), &req)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, n)
}

// Delete handles DELETE /v1/nodes/{name}. A removal that left directories
// behind still answers 200, with the warnings in the body.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.Remove(r.Context(), chi.URLParam(r, "name"), nil)
	if err != nil && !models.IsKind(err, models.KindPartialFailure) {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Start handles POST /v1/nodes/{name}/start.
func (h *NodeHandler) Start(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.submit(w, r, lifecycle.OpStart, name, func(ctx context.Context, report events.Reporter) (any, error) {
		return h.manager.Start(ctx, name, report)
	})
}

// Stop handles POST /v1/nodes/{name}/stop.
func (h *NodeHandler) Stop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.submit(w, r, lifecycle.OpStop, name, func(ctx context.Context, report events.Reporter) (any, error) {
		return h.manager.Stop(ctx, name, report)
	})
}

// Move handles POST /v1/nodes/{name}/move.
func (h *NodeHandler) Move(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req MoveRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if req.Root == "" {
		WriteBadRequest(w, r, "root is required")
		return
	}
	h.submit(w, r, lifecycle.OpMove, name, func(ctx context.Context, report events.Reporter) (any, error) {
		return h.manager.Move(ctx, name, req.Root, req.PreserveData, report)
	})
}

// Copy handles POST /v1/nodes/{name}/copy.
func (h *NodeHandler) Copy(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "name")
	var req CopyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "name is required")
		return
	}
	h.submit(w, r, lifecycle.OpCopy, source, func(ctx context.Context, report events.Reporter) (any, error) {
		return h.manager.Copy(ctx, source, req.Name, req.Root, req.CopyData, report)
	})
}

// submit queues job and answers 202 with the task and where to follow it.
func (h *NodeHandler) submit(w http.ResponseWriter, r *http.Request, op lifecycle.Operation, node string, job lifecycle.Job) {
	task, err := h.manager.Submit(op, node, job)
	if err != nil {
		if errors.Is(err, lifecycle.ErrDraining) {
			err = models.NewConflict(node, "service is shutting down")
		}
		WriteError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	WriteJSON(w, http.StatusAccepted, task)
}
