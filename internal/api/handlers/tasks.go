package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	apierrors "github.com/narvanalabs/searchnode/internal/api/errors"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/lifecycle"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// TaskHandler serves /v1/tasks.
type TaskHandler struct {
	manager  *lifecycle.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewTaskHandler(m *lifecycle.Manager, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		manager: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Get handles GET /v1/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, ok := h.manager.Task(chi.URLParam(r, "id"))
	if !ok {
		apierrors.WriteError(w, apierrors.NewNotFoundError("task not found"))
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// Events handles GET /v1/tasks/{id}/events: a websocket carrying one JSON
// event per message until the task finishes. A task that already finished
// yields a single terminal event.
func (h *TaskHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.manager.Task(id); !ok {
		apierrors.WriteError(w, apierrors.NewNotFoundError("task not found"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before re-reading the task so a finish in between is not lost.
	sub := h.manager.Broker().Subscribe(ctx, id)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if task, ok := h.manager.Task(id); ok && task.FinishedAt != nil {
		h.write(conn, finalEvent(task))
		h.close(conn)
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub.Ch:
			if !ok {
				return
			}
			if err := h.write(conn, e); err != nil {
				return
			}
			if e.Terminal() {
				h.close(conn)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *TaskHandler) write(conn *websocket.Conn, e *events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(e); err != nil {
		h.logger.Debug("websocket write failed", "task_id", e.TaskID, "error", err)
		return err
	}
	return nil
}

func (h *TaskHandler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func finalEvent(task *lifecycle.Task) *events.Event {
	e := &events.Event{
		TaskID:    task.ID,
		Node:      task.Node,
		Operation: string(task.Operation),
		Phase:     events.PhaseDone,
		Percent:   100,
		Message:   "done",
		Time:      *task.FinishedAt,
	}
	if task.State == lifecycle.TaskFailed {
		e.Phase = events.PhaseFailed
		e.Message = task.Error
	}
	return e
}
