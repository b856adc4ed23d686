// Package stripe implements the WalletA provider on Stripe Checkout.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/marketplace/payments/internal/core/domain"
)

// Adapter implements ports.ProviderAdapter with Checkout Sessions.
// The session id is the provider reference.
type Adapter struct {
	client     *client.API
	successURL string
	cancelURL  string
	log        *slog.Logger
}

// Config holds the WalletA account settings.
type Config struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	// Backends overrides the API endpoint. Nil uses Stripe.
	Backends *stripe.Backends
}

// NewAdapter creates a new WalletA adapter.
func NewAdapter(cfg Config, log *slog.Logger) *Adapter {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, cfg.Backends)
	return &Adapter{client: sc, successURL: cfg.SuccessURL, cancelURL: cfg.CancelURL, log: log}
}

// Provider returns domain.ProviderWalletA.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderWalletA }

// CreateSession opens a hosted Checkout Session for the intent.
func (a *Adapter) CreateSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	successURL := req.Return.SuccessURL
	if successURL == "" {
		successURL = a.successURL
	}
	cancelURL := req.Return.CancelURL
	if cancelURL == "" {
		cancelURL = a.cancelURL
	}
	description := req.Return.Description
	if description == "" {
		description = fmt.Sprintf("%s %s", req.Owner.Kind, req.Owner.ID)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.IntentID),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Amount.Currency)),
					UnitAmount: stripe.Int64(req.Amount.Minor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"intent_id": req.IntentID},
		},
	}
	if req.Return.PayerEmail != "" {
		params.CustomerEmail = stripe.String(req.Return.PayerEmail)
	}
	params.AddMetadata("intent_id", req.IntentID)
	params.AddMetadata("owner", req.Owner.Key())
	params.AddMetadata("purpose", string(req.Purpose))
	// Retries of the same intent must not open a second session.
	params.SetIdempotencyKey("session-" + req.IntentID)
	params.Context = ctx

	session, err := a.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	a.log.Info("checkout session created", "intent_id", req.IntentID, "session_id", session.ID)
	return &domain.Session{Reference: session.ID, RedirectURL: session.URL}, nil
}

// Verify reads the session after the payer returns. Card captures are
// automatic, so it is the same read as PollStatus.
func (a *Adapter) Verify(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	return a.PollStatus(ctx, reference)
}

// PollStatus maps the Checkout Session state to an outcome.
func (a *Adapter) PollStatus(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	session, err := a.getSession(ctx, reference)
	if isNotFound(err) {
		return &domain.ProviderStatus{Reference: reference, Found: false}, nil
	}
	if err != nil {
		return nil, mapStripeError(err)
	}

	status := &domain.ProviderStatus{
		Reference: reference,
		Found:     true,
		Outcome:   sessionOutcome(session.Status, session.PaymentStatus),
		Amount:    domain.Money{Minor: session.AmountTotal, Currency: strings.ToUpper(string(session.Currency))},
		Detail:    fmt.Sprintf("session %s, payment %s", session.Status, session.PaymentStatus),
	}
	if session.PaymentIntent != nil {
		status.ProviderPaymentID = session.PaymentIntent.ID
	}
	return status, nil
}

// Refund reverses funds on the session's PaymentIntent.
func (a *Adapter) Refund(ctx context.Context, req domain.RefundInstruction) (*domain.RefundResult, error) {
	session, err := a.getSession(ctx, req.Reference)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return nil, fmt.Errorf("%w: session %s has no payment", domain.ErrProviderDeclined, req.Reference)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(session.PaymentIntent.ID),
		Amount:        stripe.Int64(req.Amount.Minor),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.AddMetadata("refund_id", req.RefundID)
	params.AddMetadata("reason", req.Reason)
	params.SetIdempotencyKey("refund-" + req.RefundID)
	params.Context = ctx

	refund, err := a.client.Refunds.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return nil, fmt.Errorf("%w: refund %s is %s", domain.ErrProviderDeclined, refund.ID, refund.Status)
	}
	return &domain.RefundResult{ProviderRefundID: refund.ID, Status: string(refund.Status)}, nil
}

func (a *Adapter) getSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	return a.client.CheckoutSessions.Get(id, params)
}

// sessionOutcome maps a session to an outcome. A completed session that is
// still unpaid uses a delayed payment method and stays pending.
func sessionOutcome(status stripe.CheckoutSessionStatus, payment stripe.CheckoutSessionPaymentStatus) domain.Outcome {
	switch {
	case status == stripe.CheckoutSessionStatusComplete && payment == stripe.CheckoutSessionPaymentStatusPaid:
		return domain.OutcomeSucceeded
	case status == stripe.CheckoutSessionStatusExpired:
		return domain.OutcomeDeclined
	default:
		return domain.OutcomePending
	}
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// mapStripeError converts SDK errors into domain errors.
func mapStripeError(err error) error {
	if IsRetryable(err) {
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %s (%s)", domain.ErrProviderDeclined, stripeErr.Msg, stripeErr.Code)
	}
	return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
}
