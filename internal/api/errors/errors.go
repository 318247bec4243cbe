// Package errors provides the API's JSON error envelope and the mapping
// from lifecycle error kinds to HTTP status codes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/narvanalabs/searchnode/internal/models"
)

// Error codes for structured API responses.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeTimeout          = "TIMEOUT"
	CodePartialFailure   = "PARTIAL_FAILURE"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternalError    = "INTERNAL_ERROR"
)

// APIError is the body of every error response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with details replaced.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	out := *e
	out.Details = details
	return &out
}

// WithRequestID returns a copy of the error carrying requestID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	out := *e
	out.RequestID = requestID
	return &out
}

func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func NewValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

func NewNotFoundError(message string) *APIError {
	return New(CodeNotFound, message)
}

func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

// HTTPStatusCode maps the error code to a status. A partial failure is
// still a 200: the operation happened, with warnings.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodePartialFailure:
		return http.StatusOK
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var kindCodes = map[models.ErrorKind]string{
	models.KindNotFound:         CodeNotFound,
	models.KindConflict:         CodeConflict,
	models.KindPermissionDenied: CodePermissionDenied,
	models.KindTimeout:          CodeTimeout,
	models.KindPartialFailure:   CodePartialFailure,
	models.KindInvalid:          CodeValidationError,
}

// FromError converts any error into an APIError. Typed lifecycle errors
// keep their message, path, warnings and details; anything else becomes
// an internal error whose text is not exposed.
func FromError(err error) *APIError {
	var api *APIError
	if errors.As(err, &api) {
		return api
	}
	var me *models.Error
	if !errors.As(err, &me) {
		return NewInternalError("an unexpected error occurred")
	}
	code, ok := kindCodes[me.Kind]
	if !ok {
		code = CodeInternalError
	}
	out := &APIError{Code: code, Message: me.Message}
	if len(me.Details) > 0 || me.Path != "" || me.Node != "" || len(me.Warnings) > 0 {
		out.Details = make(map[string]any, len(me.Details)+3)
		for k, v := range me.Details {
			out.Details[k] = v
		}
		if me.Node != "" {
			out.Details["node"] = me.Node
		}
		if me.Path != "" {
			out.Details["path"] = me.Path
		}
		if len(me.Warnings) > 0 {
			out.Details["warnings"] = me.Warnings
		}
	}
	return out
}

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes err using its own status code.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// GetStackTrace returns the current goroutine's stack.
func GetStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrorLogEntry is a structured record of a server-side failure.
type ErrorLogEntry struct {
	CorrelationID string `json:"correlation_id"`
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	StackTrace    string `json:"stack_trace"`
}

func NewErrorLogEntry(correlationID, errorCode, message string) *ErrorLogEntry {
	return &ErrorLogEntry{
		CorrelationID: correlationID,
		ErrorCode:     errorCode,
		Message:       message,
		StackTrace:    GetStackTrace(),
	}
}

// ToSlogAttrs returns the entry as slog key/value pairs.
func (e *ErrorLogEntry) ToSlogAttrs() []any {
	return []any{
		"correlation_id", e.CorrelationID,
		"error_code", e.ErrorCode,
		"message", e.Message,
		"stack_trace", e.StackTrace,
	}
}
