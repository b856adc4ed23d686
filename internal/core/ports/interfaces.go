// Package ports defines the interfaces (ports) for the payment service.
// These are contracts that adapters must implement.
package ports

import (
	"context"
	"net/http"
	"time"

	"github.com/marketplace/payments/internal/core/domain"
)

// TxManager runs fn atomically. Stores called with the ctx passed to fn
// join the same transaction.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// IntentStore persists payment intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error

	// GetIntent returns domain.ErrIntentNotFound when id is unknown.
	GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error)

	GetIntentByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.PaymentIntent, error)

	// TransitionIntent applies t only if status and version still match,
	// returning domain.ErrStaleIntent otherwise.
	TransitionIntent(ctx context.Context, t domain.Transition) (*domain.PaymentIntent, error)

	// ListStaleIntents returns intents in one of statuses last touched before
	// olderThan, ordered by (last_transition_at, id) and starting after the cursor.
	ListStaleIntents(ctx context.Context, statuses []domain.IntentStatus, olderThan time.Time, after domain.StaleCursor, limit int) ([]*domain.PaymentIntent, error)
}

// OwnerStore persists the payment fields of bookings and subscriptions.
type OwnerStore interface {
	GetOwner(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error)

	// ClaimPayment sets the payment-in-progress marker if it is empty,
	// returning domain.ErrConflict when another intent holds it.
	ClaimPayment(ctx context.Context, ref domain.OwnerRef, intentID string) error

	SaveOwner(ctx context.Context, owner *domain.Owner) error

	// ListDrifted returns owners whose payment fields disagree with a terminal intent.
	ListDrifted(ctx context.Context, limit int) ([]domain.Drift, error)

	// ListLapsed returns paid subscriptions whose period ended before now.
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]*domain.Owner, error)
}

// UsageStore persists per-period usage counters.
type UsageStore interface {
	// GetUsage returns a zero record when nothing was tracked yet.
	GetUsage(ctx context.Context, subscriptionID, featureKey string, periodStart time.Time) (*domain.UsageRecord, error)

	// IncrementUsage adds amount atomically. With a non-negative limit and
	// allowOverage false it returns domain.ErrLimitExceeded instead of
	// crossing the limit. With allowOverage the record is flagged.
	IncrementUsage(ctx context.Context, subscriptionID, featureKey string, periodStart time.Time, amount, limit int64, allowOverage bool) (*domain.UsageRecord, error)

	// ResetUsage opens zeroed counters for a new period.
	ResetUsage(ctx context.Context, subscriptionID string, periodStart time.Time, limits map[string]int64) error
}

// WebhookLedger is the durable idempotency store for provider events.
type WebhookLedger interface {
	Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error)

	// RecordEvent returns domain.ErrDuplicateEvent if the key already exists.
	RecordEvent(ctx context.Context, event *domain.WebhookEvent) error
}

// InflightClaims is a short-lived cross-instance claim on an event key.
type InflightClaims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// AuditSink appends immutable audit entries.
type AuditSink interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// RefundStore persists reversal records.
type RefundStore interface {
	// CreateRefund inserts r unless the non-failed refunds for the intent
	// would exceed refundable, in which case it returns domain.ErrNotRefundable.
	CreateRefund(ctx context.Context, r *domain.Refund, refundable int64) error
	UpdateRefund(ctx context.Context, r *domain.Refund) error
	ListRefunds(ctx context.Context, intentID string) ([]*domain.Refund, error)
}

// Notifier queues a notification for asynchronous dispatch.
type Notifier interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// OperatorQueue receives failures that need a human.
type OperatorQueue interface {
	ReportRefundFailure(ctx context.Context, failure domain.RefundFailure) error
}

// ProviderAdapter is the capability every payment provider implements.
type ProviderAdapter interface {
	Provider() domain.Provider

	// CreateSession opens a hosted checkout or order for an intent.
	CreateSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error)

	// Verify confirms or captures a payment after the payer returns.
	Verify(ctx context.Context, reference string) (*domain.ProviderStatus, error)

	Refund(ctx context.Context, req domain.RefundInstruction) (*domain.RefundResult, error)

	// PollStatus reads the provider's view of a payment without side effects.
	PollStatus(ctx context.Context, reference string) (*domain.ProviderStatus, error)
}

// SignatureVerifier authenticates and parses one provider's webhooks.
type SignatureVerifier interface {
	Provider() domain.Provider

	// Verify must run on the raw body before anything is parsed.
	Verify(rawBody []byte, headers http.Header) error

	// Parse returns nil for notifications that carry no payment outcome.
	Parse(rawBody []byte) (*domain.ProviderEvent, error)
}

// EventResolver completes events whose notification only names a provider object.
type EventResolver interface {
	Resolve(ctx context.Context, event *domain.ProviderEvent) error
}

// OwnerRegistry mirrors bookings and subscriptions from the marketplace.
type OwnerRegistry interface {
	// UpsertOwner creates an owner or refreshes its price. Payment fields of
	// an existing owner are left untouched.
	UpsertOwner(ctx context.Context, owner *domain.Owner) error
}

// AuditReader lists the audit trail of one intent, oldest first.
type AuditReader interface {
	ListAudit(ctx context.Context, intentID string) ([]domain.AuditEntry, error)
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
