package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// RouterConfig bundles what SetupRouter wires together.
type RouterConfig struct {
	GinMode      string
	ServiceToken string
	Log          *slog.Logger

	Payments     *PaymentHandler
	Webhooks     *WebhookHandler
	Entitlements *EntitlementHandler
	Owners       *OwnerHandler

	// Health is pinged by GET /health. Nil reports healthy.
	Health ports.HealthChecker
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(TraceMiddleware())
	router.Use(LoggerMiddleware(cfg.Log))

	// Health check (public)
	router.GET("/health", health(cfg.Health))

	// Provider callbacks (public, signature verified per provider)
	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/wallet-a", cfg.Webhooks.Handle(domain.ProviderWalletA))
		webhooks.POST("/wallet-b", cfg.Webhooks.Handle(domain.ProviderWalletB))
		webhooks.POST("/global-wallet", cfg.Webhooks.Handle(domain.ProviderGlobalWallet))
	}

	// API v1 routes (requires Bearer auth)
	v1 := router.Group("/api/v1")
	v1.Use(ServiceAuthMiddleware(cfg.ServiceToken))
	{
		payments := v1.Group("/payments")
		payments.POST("/checkout", cfg.Payments.CreateCheckout)
		payments.GET("/:id", cfg.Payments.GetPayment)
		payments.GET("/:id/audit", cfg.Payments.AuditTrail)
		payments.POST("/:id/confirm", cfg.Payments.Confirm)
		payments.POST("/:id/reject", cfg.Payments.Reject)
		payments.POST("/:id/refunds", cfg.Payments.CreateRefund)

		entitlements := v1.Group("/entitlements")
		entitlements.GET("/:subscription_id/:feature", cfg.Entitlements.CheckAccess)
		entitlements.POST("/:subscription_id/:feature/usage", cfg.Entitlements.TrackUsage)

		owners := v1.Group("/owners")
		owners.PUT("/:kind/:id", cfg.Owners.Upsert)
		owners.GET("/:kind/:id", cfg.Owners.Get)
	}

	return router
}

func health(checker ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "service": "payments"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payments"})
	}
}
