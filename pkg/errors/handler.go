package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error     bool                   `json:"error"`
	Type      string                 `json:"type"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	TraceID   string                 `json:"traceId,omitempty"`
}

// ErrorHandler turns errors returned by the buses into HTTP responses
type ErrorHandler struct {
	logger *zap.Logger
	debug  bool
}

// NewErrorHandler creates an error handler. In debug mode internal messages
// and stack traces are included in responses.
func NewErrorHandler(logger *zap.Logger, debug bool) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger, debug: debug}
}

// Handle writes the response for err
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	status, resp := h.classify(err)
	resp.Error = true
	resp.RequestID = r.Header.Get("X-Request-ID")
	resp.TraceID = r.Header.Get("X-Trace-ID")

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("type", resp.Type),
		zap.String("requestID", resp.RequestID),
	}
	switch {
	case status >= 500:
		h.logger.Error("Request failed", append(fields, zap.Error(err))...)
	case status == http.StatusLocked || status == http.StatusConflict:
		h.logger.Info("Request conflicted", append(fields, zap.String("code", resp.Code))...)
	default:
		h.logger.Debug("Request rejected", append(fields, zap.Error(err))...)
	}

	h.sendJSON(w, status, resp)
}

func (h *ErrorHandler) classify(err error) (int, ErrorResponse) {
	var invalid *ValidationErrors
	if stderrors.As(err, &invalid) {
		return http.StatusBadRequest, ErrorResponse{
			Type:    string(ErrorTypeValidation),
			Message: invalid.Error(),
			Details: map[string]interface{}{"fields": invalid.ToMap()},
		}
	}

	var denied *LockDeniedError
	if stderrors.As(err, &denied) {
		err = denied.Domain()
	}

	var de *DomainError
	if stderrors.As(err, &de) {
		status := de.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, ErrorResponse{
			Type:      string(de.Type),
			Code:      de.Code,
			Message:   de.Message,
			Details:   de.Details,
			Retryable: de.Retryable,
		}
	}

	if ae := GetAppError(err); ae != nil {
		status := ae.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		resp := ErrorResponse{Type: string(ae.Type), Code: ae.Code, Message: ae.Message, Details: ae.Details}
		if status >= 500 {
			resp.Retryable = ae.Retryable()
			if h.debug {
				resp.Details = map[string]interface{}{"cause": fmt.Sprint(ae.Cause), "stackTrace": ae.StackTrace}
			}
		}
		return status, resp
	}

	resp := ErrorResponse{Type: string(ErrorTypeInternal), Message: "An internal error occurred", Retryable: true}
	if h.debug {
		resp.Message = err.Error()
	}
	return http.StatusInternalServerError, resp
}

func (h *ErrorHandler) sendJSON(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// Middleware recovers panics into 500 responses
func (h *ErrorHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.Handle(w, r, NewInternalError(fmt.Sprintf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
