package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/service"
)

// OwnerHandler mirrors bookings and subscriptions from the marketplace.
type OwnerHandler struct {
	owners *service.OwnerService
	log    *slog.Logger
}

// NewOwnerHandler creates a new owner handler.
func NewOwnerHandler(owners *service.OwnerService, log *slog.Logger) *OwnerHandler {
	return &OwnerHandler{owners: owners, log: log}
}

type ownerRequest struct {
	PriceMinor int64       `json:"price_minor"`
	Currency   string      `json:"currency"`
	Tier       domain.Tier `json:"tier"`
	Trial      bool        `json:"trial"`
}

// Upsert handles PUT /api/v1/owners/:kind/:id
func (h *OwnerHandler) Upsert(c *gin.Context) {
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	owner, err := h.owners.Register(c.Request.Context(), service.RegisterOwnerRequest{
		Kind:       domain.OwnerKind(c.Param("kind")),
		ID:         c.Param("id"),
		PriceMinor: req.PriceMinor,
		Currency:   req.Currency,
		Tier:       req.Tier,
		Trial:      req.Trial,
	})
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, owner)
}

// Get handles GET /api/v1/owners/:kind/:id
func (h *OwnerHandler) Get(c *gin.Context) {
	owner, err := h.owners.Get(c.Request.Context(), domain.OwnerRef{
		Kind: domain.OwnerKind(c.Param("kind")),
		ID:   c.Param("id"),
	})
	if err != nil {
		handleServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, owner)
}
