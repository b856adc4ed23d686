package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplace/payments/internal/core/service"
)

// EntitlementHandler answers feature gating and usage tracking calls.
type EntitlementHandler struct {
	entitlements *service.EntitlementService
	log          *slog.Logger
}

// NewEntitlementHandler creates a new entitlement handler.
func NewEntitlementHandler(entitlements *service.EntitlementService, log *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{entitlements: entitlements, log: log}
}

// CheckAccess handles GET /api/v1/entitlements/:subscription_id/:feature
func (h *EntitlementHandler) CheckAccess(c *gin.Context) {
	access, err := h.entitlements.CheckAccess(c.Request.Context(), c.Param("subscription_id"), c.Param("feature"))
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, access)
}

type usageRequest struct {
	Amount int64 `json:"amount"`
}

// TrackUsage handles POST /api/v1/entitlements/:subscription_id/:feature/usage.
// An empty body counts one unit.
func (h *EntitlementHandler) TrackUsage(c *gin.Context) {
	req := usageRequest{Amount: 1}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	record, err := h.entitlements.TrackUsage(c.Request.Context(), c.Param("subscription_id"), c.Param("feature"), req.Amount)
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, record)
}
