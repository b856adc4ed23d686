package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplace/payments/internal/core/domain"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{domain.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{domain.ErrUnknownProvider, http.StatusBadRequest, "UNKNOWN_PROVIDER"},
	{domain.ErrAmountMismatch, http.StatusUnprocessableEntity, "AMOUNT_MISMATCH"},
	{domain.ErrIntentNotFound, http.StatusNotFound, "INTENT_NOT_FOUND"},
	{domain.ErrOwnerNotFound, http.StatusNotFound, "OWNER_NOT_FOUND"},
	{domain.ErrFeatureNotFound, http.StatusNotFound, "FEATURE_NOT_FOUND"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{domain.ErrStaleIntent, http.StatusConflict, "STALE_INTENT"},
	{domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{domain.ErrNotRefundable, http.StatusConflict, "NOT_REFUNDABLE"},
	{domain.ErrLimitExceeded, http.StatusForbidden, "LIMIT_EXCEEDED"},
	{domain.ErrRefundFailed, http.StatusBadGateway, "REFUND_FAILED"},
	{domain.ErrProviderDeclined, http.StatusPaymentRequired, "PROVIDER_DECLINED"},
	{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
}

// handleServiceError maps a service error to an HTTP response. Provider and
// internal failures only ever show the generic message; the cause is logged.
func handleServiceError(c *gin.Context, log *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			status, code = m.status, m.code
			break
		}
	}

	message := "internal server error"
	var svcErr *domain.ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Code != "" {
			code = svcErr.Code
		}
		message = svcErr.Message
	}
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusPaymentRequired:
		message = domain.GenericPaymentMessage
		log.Error("request failed", "request_id", c.GetString(requestIDKey), "path", c.FullPath(), "err", err)
	default:
		if message == "" {
			message = http.StatusText(status)
		}
		log.Warn("request rejected", "request_id", c.GetString(requestIDKey), "path", c.FullPath(), "code", code, "err", err)
	}

	c.JSON(status, ErrorResponse{Success: false, Error: message, Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Success: false,
		Error:   "Invalid request: " + err.Error(),
		Code:    "VALIDATION_ERROR",
	})
}
