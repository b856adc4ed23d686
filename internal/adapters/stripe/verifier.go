package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/marketplace/payments/internal/core/domain"
)

// SignatureHeader carries Stripe's "t=<ts>,v1=<hmac>" signature.
const SignatureHeader = "Stripe-Signature"

// Checkout Session events that carry a payment outcome.
const (
	EventSessionCompleted      = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventSessionExpired        = "checkout.session.expired"
)

// Verifier authenticates WalletA webhooks with the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a new WalletA signature verifier.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Provider returns domain.ProviderWalletA.
func (v *Verifier) Provider() domain.Provider { return domain.ProviderWalletA }

// Verify checks the HMAC-SHA256 signature and timestamp tolerance.
func (v *Verifier) Verify(rawBody []byte, headers http.Header) error {
	if v.secret == "" {
		return fmt.Errorf("%w: endpoint secret not configured", domain.ErrSignatureInvalid)
	}
	if err := webhook.ValidatePayloadWithTolerance(rawBody, headers.Get(SignatureHeader), v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignatureInvalid, err)
	}
	return nil
}

// Parse maps Checkout Session events to provider events.
func (v *Verifier) Parse(rawBody []byte) (*domain.ProviderEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var outcome domain.Outcome
	switch string(event.Type) {
	case EventSessionCompleted:
		outcome = domain.OutcomePending
	case EventAsyncPaymentSucceeded:
		outcome = domain.OutcomeSucceeded
	case EventAsyncPaymentFailed, EventSessionExpired:
		outcome = domain.OutcomeDeclined
	default:
		return nil, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("event %s has no data", event.ID)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("event %s has no session id", event.ID)
	}
	if string(event.Type) == EventSessionCompleted {
		outcome = sessionOutcome(session.Status, session.PaymentStatus)
	}

	ev := &domain.ProviderEvent{
		EventID:   event.ID,
		Type:      string(event.Type),
		Reference: session.ID,
		Outcome:   outcome,
		Metadata:  map[string]string{"event_type": string(event.Type)},
	}
	if session.PaymentIntent != nil {
		ev.Metadata["provider_payment_id"] = session.PaymentIntent.ID
	}
	if outcome == domain.OutcomeDeclined {
		ev.Metadata["detail"] = string(event.Type)
	}
	return ev, nil
}
