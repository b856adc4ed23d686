// Package domain contains the core business entities for the payment service.
// This is the innermost layer - no external dependencies.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Provider identifies an external payment provider.
type Provider string

const (
	// ProviderWalletA is the card/e-wallet acquirer.
	ProviderWalletA Provider = "wallet_a"
	// ProviderWalletB is the wallet-based hosted checkout provider.
	ProviderWalletB Provider = "wallet_b"
	// ProviderGlobalWallet is the global wallet network.
	ProviderGlobalWallet Provider = "global_wallet"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderWalletA, ProviderWalletB, ProviderGlobalWallet:
		return true
	}
	return false
}

// Purpose is what a payment intent pays for.
type Purpose string

const (
	PurposeBookingPayment      Purpose = "booking_payment"
	PurposeSubscriptionPayment Purpose = "subscription_payment"
)

// OwnerKind is the kind of business entity that owns an intent.
type OwnerKind string

const (
	OwnerBooking      OwnerKind = "booking"
	OwnerSubscription OwnerKind = "subscription"
)

// OwnerRef points at the booking or subscription being paid for.
// PlanID is only set for subscription payments and names the tier purchased.
type OwnerRef struct {
	Kind   OwnerKind `json:"kind" validate:"required,oneof=booking subscription"`
	ID     string    `json:"id" validate:"required"`
	PlanID string    `json:"plan_id,omitempty"`
}

// Key returns the owner's identity, ignoring the plan.
func (o OwnerRef) Key() string {
	return string(o.Kind) + ":" + o.ID
}

// Money is an amount in currency minor units.
type Money struct {
	Minor    int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency" validate:"required,len=3"`
}

// ReturnContext carries the payer-facing URLs for hosted checkouts.
type ReturnContext struct {
	SuccessURL  string `json:"success_url" validate:"omitempty,url"`
	CancelURL   string `json:"cancel_url" validate:"omitempty,url"`
	PayerEmail  string `json:"payer_email" validate:"omitempty,email"`
	Description string `json:"description"`
}

// PaymentIntent is the durable record of one attempt to collect money.
type PaymentIntent struct {
	ID                string       `json:"id"`
	Provider          Provider     `json:"provider"`
	Purpose           Purpose      `json:"purpose"`
	Owner             OwnerRef     `json:"owner"`
	Amount            Money        `json:"amount"`
	ProviderReference string       `json:"provider_reference,omitempty"`
	Status            IntentStatus `json:"status"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	LastTransitionAt  time.Time    `json:"last_transition_at"`
	AttemptCount      int          `json:"attempt_count"` // provider session attempts
	Version           int64        `json:"version"`
}

// Outcome is a verified payment result reported by a provider.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeDeclined  Outcome = "declined"
	OutcomeErrored   Outcome = "errored"
	// OutcomePending means the provider has not decided yet.
	OutcomePending Outcome = "pending"
)

// Target returns the terminal status an outcome settles into.
// The second result is false for pending outcomes.
func (o Outcome) Target() (IntentStatus, bool) {
	switch o {
	case OutcomeSucceeded:
		return StatusSettled, true
	case OutcomeDeclined, OutcomeErrored:
		return StatusFailed, true
	}
	return "", false
}

// ProviderEvent is a parsed, signature-verified webhook notification.
type ProviderEvent struct {
	EventID   string
	Type      string
	Reference string
	Outcome   Outcome
	// LookupID is set when the notification only names a provider object
	// and the outcome must be fetched before it can be applied.
	LookupID string
	// CaptureRequired is set when the payer approved but funds are not captured yet.
	CaptureRequired bool
	Metadata        map[string]string
}

// FallbackEventID derives a stable dedup id for notifications that carry none.
func FallbackEventID(rawBody []byte) string {
	return "hash:" + PayloadDigest(rawBody)
}

// PayloadDigest returns the hex sha256 of a raw webhook body.
func PayloadDigest(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return hex.EncodeToString(sum[:])
}

// EventDisposition records what the ingestor did with an event.
type EventDisposition string

const (
	DispositionApplied  EventDisposition = "applied"
	DispositionOrphaned EventDisposition = "orphaned"
	DispositionErrored  EventDisposition = "errored"
)

// WebhookEvent is the idempotency record for a provider notification.
type WebhookEvent struct {
	Provider        Provider         `json:"provider"`
	ExternalEventID string           `json:"external_event_id"`
	ReceivedAt      time.Time        `json:"received_at"`
	PayloadDigest   string           `json:"payload_digest"`
	IntentID        string           `json:"intent_id,omitempty"`
	Outcome         Outcome          `json:"outcome,omitempty"`
	Disposition     EventDisposition `json:"disposition"`
}

// OwnerPaymentStatus mirrors the terminal state of the owner's last intent.
type OwnerPaymentStatus string

const (
	PaymentUnpaid   OwnerPaymentStatus = "unpaid"
	PaymentSettled  OwnerPaymentStatus = "settled"
	PaymentFailed   OwnerPaymentStatus = "failed"
	PaymentRejected OwnerPaymentStatus = "rejected"
	PaymentExpired  OwnerPaymentStatus = "expired"
)

// Owner is the booking or subscription a payment settles into.
// Only the payment-related fields are owned by this service.
type Owner struct {
	Kind              OwnerKind          `json:"kind"`
	ID                string             `json:"id"`
	PriceMinor        int64              `json:"price_minor"`
	Currency          string             `json:"currency"`
	PaymentStatus     OwnerPaymentStatus `json:"payment_status"`
	PaymentIntentID   string             `json:"payment_intent_id,omitempty"`
	PaymentInProgress string             `json:"payment_in_progress,omitempty"`

	// Subscription-only fields.
	Tier        Tier       `json:"tier,omitempty"`
	Trial       bool       `json:"trial"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
	PeriodStart time.Time  `json:"period_start,omitempty"`
	PeriodEnd   time.Time  `json:"period_end,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Ref returns the owner's reference.
func (o *Owner) Ref() OwnerRef {
	return OwnerRef{Kind: o.Kind, ID: o.ID}
}

// Drift pairs an owner with the terminal intent it disagrees with.
type Drift struct {
	Owner  *Owner
	Intent *PaymentIntent
}

// UsageRecord counts consumption of a metered feature within one period.
type UsageRecord struct {
	SubscriptionID string    `json:"subscription_id"`
	FeatureKey     string    `json:"feature_key"`
	PeriodStart    time.Time `json:"period_start"`
	Consumed       int64     `json:"consumed"`
	Limit          int64     `json:"limit"`
	Flagged        bool      `json:"flagged"`
}

// RefundStatus is the lifecycle of a reversal record.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

// Refund is a reversal record linked to a settled intent.
type Refund struct {
	ID               string       `json:"id"`
	IntentID         string       `json:"intent_id"`
	Amount           Money        `json:"amount"`
	Reason           string       `json:"reason"`
	Actor            string       `json:"actor"`
	Status           RefundStatus `json:"status"`
	ProviderRefundID string       `json:"provider_refund_id,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Severity ranks audit entries for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityAlert    Severity = "alert"
	SeverityCritical Severity = "critical"
)

// Audit actions.
const (
	AuditIntentCreated     = "intent.created"
	AuditIntentTransition  = "intent.transition"
	AuditTransitionDropped = "intent.transition_dropped"
	AuditWebhookApplied    = "webhook.applied"
	AuditWebhookDeduped    = "webhook.deduped"
	AuditWebhookOrphaned   = "webhook.orphaned"
	AuditSignatureFailed   = "webhook.signature_failed"
	AuditRefundRequested   = "refund.requested"
	AuditRefundSucceeded   = "refund.succeeded"
	AuditRefundFailed      = "refund.failed"
	AuditDriftRepaired     = "drift.repaired"
	AuditOwnerLapsed       = "owner.lapsed"
	AuditUsageOverLimit    = "usage.over_limit"
)

// AuditEntry is an immutable record of a state change or trust event.
type AuditEntry struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	IntentID  string            `json:"intent_id,omitempty"`
	Before    string            `json:"before,omitempty"`
	After     string            `json:"after,omitempty"`
	Severity  Severity          `json:"severity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notification is dispatched to the messaging collaborator after commit.
type Notification struct {
	Type       string    `json:"type"`
	IntentID   string    `json:"intent_id"`
	Owner      OwnerRef  `json:"owner"`
	Status     string    `json:"status"`
	Amount     Money     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionRequest asks a provider adapter to open a checkout session.
type SessionRequest struct {
	IntentID string
	Purpose  Purpose
	Owner    OwnerRef
	Amount   Money
	Return   ReturnContext
}

// Session is what a provider returns for a new checkout.
// Exactly one of RedirectURL or ClientToken is usually set.
type Session struct {
	Reference   string
	RedirectURL string
	ClientToken string
}

// ProviderStatus is a provider's answer about one payment.
type ProviderStatus struct {
	Reference string
	// Found is false when the provider has no record of the reference.
	Found             bool
	Outcome           Outcome
	ProviderPaymentID string
	Amount            Money
	Detail            string
	// CaptureRequired is set when the payer approved but the funds still
	// have to be captured through Verify.
	CaptureRequired bool
}

// StaleCursor positions a page of stale intents. The zero value starts at
// the oldest row.
type StaleCursor struct {
	At time.Time
	ID string
}

// After reports whether the intent sorts after the cursor by
// (LastTransitionAt, ID).
func (c StaleCursor) After(i *PaymentIntent) bool {
	if !i.LastTransitionAt.Equal(c.At) {
		return i.LastTransitionAt.After(c.At)
	}
	return i.ID > c.ID
}

// CursorOf returns the cursor that resumes after i.
func CursorOf(i *PaymentIntent) StaleCursor {
	return StaleCursor{At: i.LastTransitionAt, ID: i.ID}
}

// RefundInstruction asks a provider adapter to reverse funds.
type RefundInstruction struct {
	RefundID  string
	Reference string
	Amount    Money
	Reason    string
}

// RefundResult is a provider's acknowledgement of a refund.
type RefundResult struct {
	ProviderRefundID string
	Status           string
}

// RefundFailure is reported to the operator queue for manual follow-up.
type RefundFailure struct {
	RefundID  string    `json:"refund_id"`
	IntentID  string    `json:"intent_id"`
	Provider  Provider  `json:"provider"`
	Reference string    `json:"provider_reference"`
	Amount    Money     `json:"amount"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}
