package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tailr-ai/tailr/pkg/services"
	"github.com/tailr-ai/tailr/pkg/store"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// respondError maps a service or store error to its envelope and writes it.
func respondError(c *gin.Context, err error) {
	status, body := mapError(err)
	c.JSON(status, body)
}

// mapError maps service-layer errors to HTTP statuses and error codes.
// Cross-tenant lookups surface as plain not-found.
func mapError(err error) (int, ErrorResponse) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, ErrorResponse{
			Code:    "BAD_REQUEST",
			Message: validErr.Message,
			Details: map[string]any{"field": validErr.Field},
		}
	}

	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "SESSION_NOT_FOUND", Message: "session not found"}
	case errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "RUN_NOT_FOUND", Message: "run not found"}
	case errors.Is(err, store.ErrApprovalNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "APPROVAL_NOT_FOUND", Message: "approval not found"}
	case errors.Is(err, services.ErrFileNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "FILE_NOT_FOUND", Message: "file not found"}
	case errors.Is(err, store.ErrActiveRunExists):
		return http.StatusConflict, ErrorResponse{Code: "ACTIVE_RUN_EXISTS", Message: "session already has an active run"}
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict, ErrorResponse{Code: "IDEMPOTENCY_CONFLICT", Message: "idempotency key was used with a different message"}
	case errors.Is(err, store.ErrApprovalProcessed):
		return http.StatusConflict, ErrorResponse{Code: "APPROVAL_ALREADY_PROCESSED", Message: "approval was already decided"}
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict, ErrorResponse{Code: "INVALID_STATE", Message: err.Error()}
	case errors.Is(err, services.ErrUploadTooLarge):
		return http.StatusUnprocessableEntity, ErrorResponse{Code: "UPLOAD_TOO_LARGE", Message: "upload exceeds the size limit"}
	case errors.Is(err, services.ErrUnsupportedFileType):
		return http.StatusUnprocessableEntity, ErrorResponse{Code: "UNSUPPORTED_FILE_TYPE", Message: "upload MIME type is not allowed"}
	case errors.Is(err, store.ErrRunQuotaExceeded):
		return http.StatusTooManyRequests, ErrorResponse{Code: "SESSION_RUN_QUOTA_EXCEEDED", Message: "session run quota exceeded"}
	}

	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL_ERROR", Message: "internal server error"}
}
