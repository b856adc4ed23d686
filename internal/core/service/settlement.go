package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// maxTransitionAttempts bounds reloads after losing a compare-and-swap.
const maxTransitionAttempts = 3

const defaultProviderTimeout = 20 * time.Second

// SettlementService is the only writer of payment intent state. Webhooks,
// client confirmations and the reconciliation scanner all converge here.
type SettlementService struct {
	tx        ports.TxManager
	intents   ports.IntentStore
	owners    ports.OwnerStore
	refunds   ports.RefundStore
	audit     ports.AuditSink
	notifier  ports.Notifier
	operators ports.OperatorQueue
	ledger    *EntitlementService
	providers Providers
	log       *slog.Logger

	providerTimeout time.Duration
	now             func() time.Time
}

// NewSettlementService creates a new settlement engine.
func NewSettlementService(
	tx ports.TxManager,
	intents ports.IntentStore,
	owners ports.OwnerStore,
	refunds ports.RefundStore,
	audit ports.AuditSink,
	notifier ports.Notifier,
	operators ports.OperatorQueue,
	ledger *EntitlementService,
	providers Providers,
	log *slog.Logger,
	providerTimeout time.Duration,
) *SettlementService {
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	return &SettlementService{
		tx:              tx,
		intents:         intents,
		owners:          owners,
		refunds:         refunds,
		audit:           audit,
		notifier:        notifier,
		operators:       operators,
		ledger:          ledger,
		providers:       providers,
		log:             log,
		providerTimeout: providerTimeout,
		now:             time.Now,
	}
}

// change describes one requested state transition.
type change struct {
	to        domain.IntentStatus
	actor     string
	reason    string
	reference string
	metadata  map[string]string
	attempt   bool
}

// Apply settles a verified provider outcome and returns the intent's final status.
// Applying an outcome to a terminal intent returns the existing status.
func (s *SettlementService) Apply(ctx context.Context, intentID string, outcome domain.Outcome, actor string, metadata map[string]string) (domain.IntentStatus, error) {
	target, ok := outcome.Target()
	if !ok {
		intent, err := s.intents.GetIntent(ctx, intentID)
		if err != nil {
			return "", err
		}
		return intent.Status, nil
	}

	var reason string
	if target == domain.StatusFailed {
		reason = "provider reported " + string(outcome)
		if d := metadata["detail"]; d != "" {
			reason += ": " + d
		}
	}
	return s.transition(ctx, intentID, change{to: target, actor: actor, reason: reason, metadata: metadata})
}

// MarkAwaiting records the provider reference once the session exists.
func (s *SettlementService) MarkAwaiting(ctx context.Context, intentID, reference string) (domain.IntentStatus, error) {
	return s.transition(ctx, intentID, change{
		to:        domain.StatusAwaitingProviderResult,
		actor:     ActorClient,
		reference: reference,
		attempt:   true,
	})
}

// FailSession closes an intent whose provider session could not be
// created. The failed call still counts as an attempt.
func (s *SettlementService) FailSession(ctx context.Context, intentID, reason string) (domain.IntentStatus, error) {
	return s.transition(ctx, intentID, change{to: domain.StatusFailed, actor: ActorClient, reason: reason, attempt: true})
}

// Fail closes an intent without a provider outcome.
func (s *SettlementService) Fail(ctx context.Context, intentID, actor, reason string) (domain.IntentStatus, error) {
	return s.transition(ctx, intentID, change{to: domain.StatusFailed, actor: actor, reason: reason})
}

// Expire closes an intent that never produced a provider record.
func (s *SettlementService) Expire(ctx context.Context, intentID, reason string) (domain.IntentStatus, error) {
	return s.transition(ctx, intentID, change{to: domain.StatusExpired, actor: ActorScanner, reason: reason})
}

// Reject is the administrative terminal transition.
func (s *SettlementService) Reject(ctx context.Context, intentID, operator, reason string) (domain.IntentStatus, error) {
	if operator == "" || reason == "" {
		return "", domain.NewServiceError(domain.ErrValidation,
			"operator and reason are required", "VALIDATION_ERROR")
	}
	return s.transition(ctx, intentID, change{to: domain.StatusRejected, actor: OperatorActor(operator), reason: reason})
}

// Confirm handles the payer's synchronous return from a provider. It asks
// the provider for the outcome and funnels any definitive answer into Apply.
func (s *SettlementService) Confirm(ctx context.Context, intentID, actor string) (domain.IntentStatus, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() || intent.ProviderReference == "" {
		return intent.Status, nil
	}

	adapter, err := s.providers.Get(intent.Provider)
	if err != nil {
		return intent.Status, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	status, err := adapter.Verify(callCtx, intent.ProviderReference)
	if err != nil {
		s.log.Error("provider verify failed", "intent_id", intentID, "provider", intent.Provider, "err", err)
		return intent.Status, domain.NewServiceError(fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err),
			domain.GenericPaymentMessage, "PROVIDER_UNAVAILABLE")
	}
	if !status.Found || status.Outcome == domain.OutcomePending {
		return intent.Status, nil
	}

	return s.Apply(ctx, intentID, status.Outcome, actor, map[string]string{
		"provider_payment_id": status.ProviderPaymentID,
		"detail":              status.Detail,
	})
}

// Repair re-applies a terminal intent's effects to its owner. It is the
// drift path used by the scanner and goes through the same owner update.
func (s *SettlementService) Repair(ctx context.Context, intentID string) (bool, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return false, err
	}
	if !intent.Status.Terminal() {
		return false, domain.ErrInvalidTransition
	}

	var repaired bool
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		now := s.now()
		before, after, changed, err := s.settleOwner(ctx, intent, now)
		if err != nil || !changed {
			return err
		}
		repaired = true

		entry := newAuditEntry(ActorScanner, domain.AuditDriftRepaired, intent.ID, domain.SeverityCritical, now)
		entry.Before = string(before)
		entry.After = string(after)
		entry.Metadata = map[string]string{"owner": intent.Owner.Key(), "intent_status": string(intent.Status)}
		return s.audit.Append(ctx, entry)
	})
	if err != nil {
		return false, err
	}
	if repaired {
		s.log.Error("payment drift repaired", "intent_id", intent.ID, "owner", intent.Owner.Key(), "status", intent.Status)
	}
	return repaired, nil
}

// transition drives one intent to c.to using compare-and-swap. Losers of a
// concurrent race reload and report the winner's terminal status.
func (s *SettlementService) transition(ctx context.Context, intentID string, c change) (domain.IntentStatus, error) {
	ctx, span := tracer.Start(ctx, "settlement.transition", trace.WithAttributes(
		attribute.String("intent_id", intentID),
		attribute.String("target", string(c.to)),
	))
	defer span.End()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		intent, err := s.intents.GetIntent(ctx, intentID)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if intent.Status.Terminal() {
			s.dropTerminal(ctx, intent, c)
			return intent.Status, nil
		}
		if !domain.CanTransition(intent.Status, c.to) {
			return intent.Status, domain.NewServiceError(domain.ErrInvalidTransition,
				fmt.Sprintf("cannot move payment from %s to %s", intent.Status, c.to), "INVALID_TRANSITION")
		}

		t := domain.Transition{
			IntentID:  intent.ID,
			From:      intent.Status,
			Version:   intent.Version,
			To:        c.to,
			Reference: c.reference,
			Reason:    c.reason,
			At:        s.now(),
			Attempt:   c.attempt,
		}
		err = s.commit(ctx, t, c)
		if errors.Is(err, domain.ErrStaleIntent) {
			s.log.Info("intent changed concurrently, reloading", "intent_id", intentID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transition failed")
			return intent.Status, err
		}

		s.log.Info("payment intent transitioned",
			"intent_id", intentID, "from", t.From, "to", t.To, "actor", c.actor)
		return c.to, nil
	}

	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return "", err
	}
	return intent.Status, nil
}

// commit writes the intent, its owner, plan and usage, the audit entry and
// the notification in one transaction.
func (s *SettlementService) commit(ctx context.Context, t domain.Transition, c change) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		updated, err := s.intents.TransitionIntent(ctx, t)
		if err != nil {
			return err
		}

		if updated.Status.Terminal() {
			if _, _, _, err := s.settleOwner(ctx, updated, t.At); err != nil {
				return err
			}
		}

		entry := newAuditEntry(c.actor, domain.AuditIntentTransition, updated.ID, domain.SeverityInfo, t.At)
		entry.Before = string(t.From)
		entry.After = string(t.To)
		entry.Metadata = c.metadata
		if err := s.audit.Append(ctx, entry); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		if updated.Status.Terminal() {
			s.notify(ctx, "payment."+string(updated.Status), updated, t.At)
		}
		return nil
	})
}

// settleOwner mirrors a terminal intent onto its owner. Plan activation runs
// only the first time an intent is linked to the owner.
func (s *SettlementService) settleOwner(ctx context.Context, intent *domain.PaymentIntent, now time.Time) (before, after domain.OwnerPaymentStatus, changed bool, err error) {
	owner, err := s.owners.GetOwner(ctx, intent.Owner)
	if err != nil {
		return "", "", false, fmt.Errorf("load owner %s: %w", intent.Owner.Key(), err)
	}
	before = owner.PaymentStatus

	linked := owner.PaymentIntentID == intent.ID
	if !linked && owner.PaymentInProgress != intent.ID && owner.PaymentIntentID != "" {
		// A newer attempt owns the owner's payment fields.
		s.log.Warn("owner linked to another intent, leaving it untouched",
			"intent_id", intent.ID, "owner", intent.Owner.Key(), "linked_intent", owner.PaymentIntentID)
		return before, before, false, nil
	}

	after = domain.OwnerStatusFor(intent.Status)
	changed = !linked || owner.PaymentStatus != after || owner.PaymentInProgress == intent.ID

	if !changed {
		return before, after, false, nil
	}

	owner.PaymentStatus = after
	owner.PaymentIntentID = intent.ID
	if owner.PaymentInProgress == intent.ID {
		owner.PaymentInProgress = ""
	}
	if !linked && intent.Status == domain.StatusSettled && intent.Purpose == domain.PurposeSubscriptionPayment {
		if err := s.ledger.ActivatePeriod(ctx, owner, domain.Tier(intent.Owner.PlanID), now); err != nil {
			return before, after, false, err
		}
	}
	owner.UpdatedAt = now

	if err := s.owners.SaveOwner(ctx, owner); err != nil {
		return before, after, false, fmt.Errorf("save owner %s: %w", intent.Owner.Key(), err)
	}
	return before, after, true, nil
}

// dropTerminal logs and audits an attempt to move a closed intent.
func (s *SettlementService) dropTerminal(ctx context.Context, intent *domain.PaymentIntent, c change) {
	severity := domain.SeverityInfo
	if c.to == domain.StatusSettled && intent.Status != domain.StatusSettled {
		// The provider captured funds for an intent closed locally.
		severity = domain.SeverityAlert
	}
	s.log.Info("transition on terminal intent dropped",
		"intent_id", intent.ID, "status", intent.Status, "requested", c.to, "actor", c.actor)

	entry := newAuditEntry(c.actor, domain.AuditTransitionDropped, intent.ID, severity, s.now())
	entry.Before = string(intent.Status)
	entry.After = string(c.to)
	entry.Metadata = c.metadata
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", "intent_id", intent.ID, "err", err)
	}
}

// notify queues a notification. Failures never roll back the transition.
func (s *SettlementService) notify(ctx context.Context, kind string, intent *domain.PaymentIntent, at time.Time) {
	n := domain.Notification{
		Type:       kind,
		IntentID:   intent.ID,
		Owner:      intent.Owner,
		Status:     string(intent.Status),
		Amount:     intent.Amount,
		OccurredAt: at,
	}
	if err := s.notifier.Enqueue(ctx, n); err != nil {
		s.log.Error("notification enqueue failed", "intent_id", intent.ID, "type", kind, "err", err)
	}
}

// RefundRequest asks for a full or partial reversal of a settled intent.
type RefundRequest struct {
	IntentID string `json:"intent_id" validate:"required"`
	// Amount in minor units. Zero refunds the remaining balance.
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"required,max=500"`
	Actor  string `json:"actor" validate:"required"`
}

// Refund reverses funds for a settled intent. Provider failures are
// recorded and reported to operators, never retried here.
func (s *SettlementService) Refund(ctx context.Context, req RefundRequest) (*domain.Refund, error) {
	ctx, span := tracer.Start(ctx, "settlement.refund", trace.WithAttributes(attribute.String("intent_id", req.IntentID)))
	defer span.End()

	if err := validate.Struct(req); err != nil {
		return nil, domain.NewServiceError(fmt.Errorf("%w: %w", domain.ErrValidation, err),
			"invalid refund request", "VALIDATION_ERROR")
	}

	intent, err := s.intents.GetIntent(ctx, req.IntentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != domain.StatusSettled {
		return nil, domain.NewServiceError(domain.ErrNotRefundable,
			"only settled payments can be refunded", "NOT_REFUNDABLE")
	}
	adapter, err := s.providers.Get(intent.Provider)
	if err != nil {
		return nil, err
	}

	now := s.now()
	refund := &domain.Refund{
		ID:        uuid.NewString(),
		IntentID:  intent.ID,
		Amount:    domain.Money{Minor: req.Amount, Currency: intent.Amount.Currency},
		Reason:    req.Reason,
		Actor:     req.Actor,
		Status:    domain.RefundPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if refund.Amount.Minor == 0 {
		refund.Amount.Minor, err = s.remainingRefundable(ctx, intent)
		if err != nil {
			return nil, err
		}
		if refund.Amount.Minor == 0 {
			return nil, domain.NewServiceError(domain.ErrNotRefundable,
				"payment is already fully refunded", "NOT_REFUNDABLE")
		}
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.refunds.CreateRefund(ctx, refund, intent.Amount.Minor); err != nil {
			return err
		}
		entry := newAuditEntry(req.Actor, domain.AuditRefundRequested, intent.ID, domain.SeverityInfo, now)
		entry.Metadata = refundMetadata(refund)
		return s.audit.Append(ctx, entry)
	})
	if errors.Is(err, domain.ErrNotRefundable) {
		return nil, domain.NewServiceError(err, "refund exceeds the refundable amount", "NOT_REFUNDABLE")
	}
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	result, refundErr := adapter.Refund(callCtx, domain.RefundInstruction{
		RefundID:  refund.ID,
		Reference: intent.ProviderReference,
		Amount:    refund.Amount,
		Reason:    req.Reason,
	})

	refund.UpdatedAt = s.now()
	if refundErr != nil {
		span.RecordError(refundErr)
		refund.Status = domain.RefundFailed
		refund.FailureReason = refundErr.Error()
		s.recordRefundFailure(ctx, intent, refund, refundErr)
		return refund, domain.NewServiceError(fmt.Errorf("%w: %w", domain.ErrRefundFailed, refundErr),
			"refund could not be completed and was sent for review", "REFUND_FAILED")
	}

	refund.Status = domain.RefundSucceeded
	refund.ProviderRefundID = result.ProviderRefundID
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.refunds.UpdateRefund(ctx, refund); err != nil {
			return err
		}
		entry := newAuditEntry(req.Actor, domain.AuditRefundSucceeded, intent.ID, domain.SeverityInfo, refund.UpdatedAt)
		entry.Metadata = refundMetadata(refund)
		if err := s.audit.Append(ctx, entry); err != nil {
			return err
		}
		s.notify(ctx, "refund.succeeded", intent, refund.UpdatedAt)
		return nil
	})
	if err != nil {
		// Funds already moved at the provider; keep the answer and surface the bookkeeping error.
		s.log.Error("refund succeeded but could not be recorded",
			"refund_id", refund.ID, "intent_id", intent.ID, "provider_refund_id", refund.ProviderRefundID, "err", err)
	}

	s.log.Info("refund succeeded", "refund_id", refund.ID, "intent_id", intent.ID, "amount", refund.Amount.Minor)
	return refund, nil
}

func (s *SettlementService) remainingRefundable(ctx context.Context, intent *domain.PaymentIntent) (int64, error) {
	refunds, err := s.refunds.ListRefunds(ctx, intent.ID)
	if err != nil {
		return 0, err
	}
	remaining := intent.Amount.Minor
	for _, r := range refunds {
		if r.Status != domain.RefundFailed {
			remaining -= r.Amount.Minor
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *SettlementService) recordRefundFailure(ctx context.Context, intent *domain.PaymentIntent, refund *domain.Refund, cause error) {
	s.log.Error("refund failed", "refund_id", refund.ID, "intent_id", intent.ID, "provider", intent.Provider, "err", cause)

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.refunds.UpdateRefund(ctx, refund); err != nil {
			return err
		}
		entry := newAuditEntry(refund.Actor, domain.AuditRefundFailed, intent.ID, domain.SeverityAlert, refund.UpdatedAt)
		entry.Metadata = refundMetadata(refund)
		return s.audit.Append(ctx, entry)
	})
	if err != nil {
		s.log.Error("refund failure could not be recorded", "refund_id", refund.ID, "err", err)
	}

	failure := domain.RefundFailure{
		RefundID:  refund.ID,
		IntentID:  intent.ID,
		Provider:  intent.Provider,
		Reference: intent.ProviderReference,
		Amount:    refund.Amount,
		Reason:    refund.Reason,
		Error:     cause.Error(),
		FailedAt:  refund.UpdatedAt,
	}
	if err := s.operators.ReportRefundFailure(ctx, failure); err != nil {
		s.log.Error("operator queue report failed", "refund_id", refund.ID, "err", err)
	}
}

func refundMetadata(r *domain.Refund) map[string]string {
	return map[string]string{
		"refund_id": r.ID,
		"amount":    strconv.FormatInt(r.Amount.Minor, 10),
		"currency":  r.Amount.Currency,
		"status":    string(r.Status),
		"reason":    r.Reason,
	}
}
