// Package handlers contains the HTTP handlers and routing.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
	"github.com/marketplace/payments/internal/core/service"
)

// PaymentHandler handles HTTP requests for payment intents.
type PaymentHandler struct {
	checkout   *service.CheckoutService
	settlement *service.SettlementService
	audit      ports.AuditReader
	log        *slog.Logger
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(checkout *service.CheckoutService, settlement *service.SettlementService, audit ports.AuditReader, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{checkout: checkout, settlement: settlement, audit: audit, log: log}
}

// StatusResponse reports an intent's status after an action.
type StatusResponse struct {
	Success  bool                `json:"success"`
	IntentID string              `json:"intent_id"`
	Status   domain.IntentStatus `json:"status"`
}

// CreateCheckout handles POST /api/v1/payments/checkout
func (h *PaymentHandler) CreateCheckout(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.checkout.Initiate(c.Request.Context(), req)
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetPayment handles GET /api/v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	intent, err := h.checkout.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// Confirm handles POST /api/v1/payments/:id/confirm after the payer
// returns from the provider.
func (h *PaymentHandler) Confirm(c *gin.Context) {
	id := c.Param("id")
	status, err := h.settlement.Confirm(c.Request.Context(), id, service.ActorClient)
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Success: true, IntentID: id, Status: status})
}

type rejectRequest struct {
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason" binding:"required,max=500"`
}

// Reject handles POST /api/v1/payments/:id/reject
func (h *PaymentHandler) Reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	status, err := h.settlement.Reject(c.Request.Context(), id, req.Operator, req.Reason)
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Success: true, IntentID: id, Status: status})
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// CreateRefund handles POST /api/v1/payments/:id/refunds. A failed
// provider refund still returns the recorded refund next to the error.
func (h *PaymentHandler) CreateRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	refund, err := h.settlement.Refund(c.Request.Context(), service.RefundRequest{
		IntentID: c.Param("id"),
		Amount:   req.Amount,
		Reason:   req.Reason,
		Actor:    req.Actor,
	})
	if err != nil {
		if refund != nil {
			h.log.Error("refund failed at provider", "intent_id", refund.IntentID, "refund_id", refund.ID, "err", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error":   domain.GenericPaymentMessage,
				"code":    "REFUND_FAILED",
				"refund":  refund,
			})
			return
		}
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

// AuditTrail handles GET /api/v1/payments/:id/audit
func (h *PaymentHandler) AuditTrail(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.checkout.Get(c.Request.Context(), id); err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	entries, err := h.audit.ListAudit(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"intent_id": id, "entries": entries})
}
