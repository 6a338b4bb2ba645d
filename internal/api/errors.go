package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/domain"
)

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

var statusByCode = map[domain.ErrorCode]int{
	domain.ErrCodeValidation:       http.StatusBadRequest,
	domain.ErrCodeNotFound:         http.StatusNotFound,
	domain.ErrCodeArtifactMissing:  http.StatusNotFound,
	domain.ErrCodeExecutionFailure: http.StatusInternalServerError,
	domain.ErrCodeExpired:          http.StatusGone,
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps classified errors to their status. Engine diagnostics are logged,
// never sent to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.logger.With(zap.String("requestId", middleware.GetReqID(r.Context())))

	var domErr *domain.Error
	if errors.As(err, &domErr) {
		status, ok := statusByCode[domErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}

		body := errorBody{Error: domErr.Message, Code: string(domErr.Code)}
		if domErr.Code == domain.ErrCodeExecutionFailure {
			stderr, _ := domErr.Details["stderr"].(string)
			logger.Error("transcode failed", zap.String("stderr", stderr), zap.Error(err))
			body.Error = "video processing failed"
		} else {
			body.Details = domErr.Details
		}
		writeJSON(w, status, body)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("request deadline exceeded", zap.Error(err))
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "request timed out"})
		return
	}

	logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}
