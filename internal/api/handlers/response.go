// Package handlers implements the HTTP handlers over the lifecycle manager.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/searchnode/internal/api/errors"
	"github.com/narvanalabs/searchnode/internal/models"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError maps err onto the error envelope. Untyped errors are logged
// since their text is not returned to the client.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := apierrors.FromError(err).WithRequestID(middleware.GetReqID(r.Context()))
	if apiErr.Code == apierrors.CodeInternalError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apierrors.WriteError(w, apiErr)
}

// WriteBadRequest writes a 400 with message.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, apierrors.NewValidationError(message).WithRequestID(middleware.GetReqID(r.Context())))
}

// decodeJSON decodes the request body into out, rejecting unknown fields.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return models.NewInvalid("request body is required")
		}
		return models.NewInvalid("invalid request body: %v", err)
	}
	return nil
}
