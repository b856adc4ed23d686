package service

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/marketplace/payments/internal/core/domain"
)

var tracer = otel.Tracer("github.com/marketplace/payments/internal/core/service")

// Audit actors.
const (
	ActorScanner = "scanner"
	ActorClient  = "client"
)

// WebhookActor names the actor for a provider's callbacks.
func WebhookActor(p domain.Provider) string {
	return "webhook:" + string(p)
}

// OperatorActor names a human operator.
func OperatorActor(id string) string {
	return "operator:" + id
}

func newAuditEntry(actor, action, intentID string, severity domain.Severity, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		IntentID:  intentID,
		Severity:  severity,
		CreatedAt: at,
	}
}
