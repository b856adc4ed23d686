// Package service implements the core business logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

var validate = validator.New()

// InitiateRequest asks to open a checkout for a booking or subscription.
type InitiateRequest struct {
	Owner    domain.OwnerRef      `json:"owner" validate:"required"`
	Purpose  domain.Purpose       `json:"purpose" validate:"required,oneof=booking_payment subscription_payment"`
	Amount   domain.Money         `json:"amount" validate:"required"`
	Provider domain.Provider      `json:"provider" validate:"required,oneof=wallet_a wallet_b global_wallet"`
	Return   domain.ReturnContext `json:"return"`
}

// InitiateResult tells the client where to send the payer.
type InitiateResult struct {
	IntentID    string              `json:"intent_id"`
	Provider    domain.Provider     `json:"provider"`
	Status      domain.IntentStatus `json:"status"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	ClientToken string              `json:"client_token,omitempty"`
}

// CheckoutService opens payment intents and provider sessions.
type CheckoutService struct {
	tx         ports.TxManager
	intents    ports.IntentStore
	owners     ports.OwnerStore
	audit      ports.AuditSink
	providers  Providers
	settlement *SettlementService
	log        *slog.Logger

	providerTimeout time.Duration
	now             func() time.Time
}

// NewCheckoutService creates a new checkout initiator.
func NewCheckoutService(
	tx ports.TxManager,
	intents ports.IntentStore,
	owners ports.OwnerStore,
	audit ports.AuditSink,
	providers Providers,
	settlement *SettlementService,
	log *slog.Logger,
	providerTimeout time.Duration,
) *CheckoutService {
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	return &CheckoutService{
		tx:              tx,
		intents:         intents,
		owners:          owners,
		audit:           audit,
		providers:       providers,
		settlement:      settlement,
		log:             log,
		providerTimeout: providerTimeout,
		now:             time.Now,
	}
}

// Initiate persists a Created intent, then opens the provider session.
//
// The intent is written before the provider is called so every attempt is
// auditable. A provider error moves it to Failed instead of deleting it.
func (s *CheckoutService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := tracer.Start(ctx, "checkout.initiate", trace.WithAttributes(
		attribute.String("owner", req.Owner.Key()),
		attribute.String("provider", string(req.Provider)),
	))
	defer span.End()

	// Step 1: Validate the request shape
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	// Step 2: Re-check the amount against the owner's price
	owner, err := s.owners.GetOwner(ctx, req.Owner)
	if errors.Is(err, domain.ErrOwnerNotFound) {
		return nil, domain.NewServiceError(err, "booking or subscription not found", "OWNER_NOT_FOUND")
	}
	if err != nil {
		return nil, err
	}
	if err := checkPrice(owner, req); err != nil {
		s.log.Warn("checkout amount mismatch", "owner", req.Owner.Key(), "amount", req.Amount.Minor, "currency", req.Amount.Currency)
		return nil, err
	}
	if owner.Kind == domain.OwnerBooking && owner.PaymentStatus == domain.PaymentSettled {
		return nil, domain.NewServiceError(domain.ErrConflict, "booking is already paid", "ALREADY_PAID")
	}

	// Step 3: Resolve the provider adapter
	adapter, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	// Step 4: Claim the owner and write the Created intent atomically
	now := s.now()
	intent := &domain.PaymentIntent{
		ID:               uuid.NewString(),
		Provider:         req.Provider,
		Purpose:          req.Purpose,
		Owner:            req.Owner,
		Amount:           req.Amount,
		Status:           domain.StatusCreated,
		CreatedAt:        now,
		LastTransitionAt: now,
		Version:          1,
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.owners.ClaimPayment(ctx, req.Owner, intent.ID); err != nil {
			return err
		}
		if err := s.intents.CreateIntent(ctx, intent); err != nil {
			return err
		}
		entry := newAuditEntry(ActorClient, domain.AuditIntentCreated, intent.ID, domain.SeverityInfo, now)
		entry.After = string(domain.StatusCreated)
		entry.Metadata = map[string]string{
			"owner":    req.Owner.Key(),
			"provider": string(req.Provider),
			"purpose":  string(req.Purpose),
		}
		return s.audit.Append(ctx, entry)
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, domain.NewServiceError(err, "a payment is already in progress for this item", "PAYMENT_IN_PROGRESS")
	}
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	// Step 5: Open the provider session outside any transaction
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	session, err := adapter.CreateSession(callCtx, domain.SessionRequest{
		IntentID: intent.ID,
		Purpose:  intent.Purpose,
		Owner:    intent.Owner,
		Amount:   intent.Amount,
		Return:   req.Return,
	})
	cancel()

	// Step 6: Provider failure closes the intent and frees the owner
	if err != nil {
		span.RecordError(err)
		s.log.Error("provider session creation failed",
			"intent_id", intent.ID, "provider", req.Provider, "err", err)
		if _, failErr := s.settlement.FailSession(ctx, intent.ID, "session creation failed: "+err.Error()); failErr != nil {
			s.log.Error("could not fail intent after provider error", "intent_id", intent.ID, "err", failErr)
		}
		return nil, domain.NewServiceError(fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err),
			domain.GenericPaymentMessage, "PROVIDER_UNAVAILABLE")
	}

	// Step 7: Record the provider reference
	status, err := s.settlement.MarkAwaiting(ctx, intent.ID, session.Reference)
	if err != nil {
		return nil, err
	}

	s.log.Info("checkout initiated",
		"intent_id", intent.ID, "provider", req.Provider, "owner", req.Owner.Key(), "reference", session.Reference)

	return &InitiateResult{
		IntentID:    intent.ID,
		Provider:    req.Provider,
		Status:      status,
		RedirectURL: session.RedirectURL,
		ClientToken: session.ClientToken,
	}, nil
}

// Get returns an intent by id.
func (s *CheckoutService) Get(ctx context.Context, intentID string) (*domain.PaymentIntent, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if errors.Is(err, domain.ErrIntentNotFound) {
		return nil, domain.NewServiceError(err, "payment not found", "INTENT_NOT_FOUND")
	}
	return intent, err
}

func (s *CheckoutService) validateRequest(req InitiateRequest) error {
	if err := validate.Struct(req); err != nil {
		return domain.NewServiceError(fmt.Errorf("%w: %w", domain.ErrValidation, err),
			"invalid checkout request", "VALIDATION_ERROR")
	}
	switch req.Purpose {
	case domain.PurposeBookingPayment:
		if req.Owner.Kind != domain.OwnerBooking {
			return domain.NewServiceError(domain.ErrValidation, "booking payments need a booking owner", "VALIDATION_ERROR")
		}
	case domain.PurposeSubscriptionPayment:
		if req.Owner.Kind != domain.OwnerSubscription {
			return domain.NewServiceError(domain.ErrValidation, "subscription payments need a subscription owner", "VALIDATION_ERROR")
		}
		plan, ok := domain.Plans[domain.Tier(req.Owner.PlanID)]
		if !ok || plan.PriceMinor == 0 {
			return domain.NewServiceError(domain.ErrValidation, "unknown paid plan "+req.Owner.PlanID, "VALIDATION_ERROR")
		}
	}
	return nil
}

// checkPrice compares the caller's amount with the authoritative price.
// Subscriptions are priced by the plan table in the owner's currency.
func checkPrice(owner *domain.Owner, req InitiateRequest) error {
	price := owner.PriceMinor
	if req.Purpose == domain.PurposeSubscriptionPayment {
		price = domain.Plans[domain.Tier(req.Owner.PlanID)].PriceMinor
	}
	if req.Amount.Minor != price || req.Amount.Currency != owner.Currency {
		return domain.NewServiceError(domain.ErrAmountMismatch,
			"amount does not match the current price", "AMOUNT_MISMATCH")
	}
	return nil
}
