package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/service"
)

// maxWebhookBody caps provider payloads.
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	webhooks *service.WebhookService
	log      *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(webhooks *service.WebhookService, log *slog.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, log: log}
}

// Handle returns a gin handler for one provider's endpoint. The raw body is
// read once and handed to the verifier untouched.
func (h *WebhookHandler) Handle(provider domain.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
		body, err := c.GetRawData()
		if err != nil {
			h.log.Warn("webhook body unreadable", "provider", provider, "err", err)
			c.JSON(http.StatusBadRequest, gin.H{"status": service.WebhookInvalid})
			return
		}

		res := h.webhooks.Handle(c.Request.Context(), provider, body, c.Request.Header)
		c.JSON(res.HTTPStatus, res)
	}
}
