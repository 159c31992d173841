package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

type errorBody struct {
	Code      task.Code      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// statusForCode maps a normalized error code to an HTTP status.
func statusForCode(code task.Code) int {
	switch code {
	case task.CodeInvalidParams:
		return http.StatusBadRequest
	case task.CodeUnauthorized:
		return http.StatusUnauthorized
	case task.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case task.CodeForbidden:
		return http.StatusForbidden
	case task.CodeNotFound:
		return http.StatusNotFound
	case task.CodeConflict:
		return http.StatusConflict
	case task.CodeRateLimit:
		return http.StatusTooManyRequests
	case task.CodeReconcileCheckFailed, task.CodeEnqueueFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError normalizes err and writes it. Internal failures are logged and
// answered with the generic message only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := task.Normalize(err)
	status := statusForCode(e.Code)
	body := errorBody{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", body.RequestID, "error", err)
		body.Code = task.CodeInternal
		body.Message = task.NewError(task.CodeInternal, "", nil).Message
		body.Details = nil
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]errorBody{"error": {
		Code:      task.CodeInternal,
		Message:   what + " is not configured",
		RequestID: middleware.GetReqID(r.Context()),
	}})
}
