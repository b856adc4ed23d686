package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// Webhook response dispositions.
const (
	WebhookProcessed          = "processed"
	WebhookDuplicate          = "duplicate"
	WebhookIgnored            = "ignored"
	WebhookOrphaned           = "orphaned"
	WebhookInFlight           = "in_flight"
	WebhookRejected           = "rejected"
	WebhookInvalid            = "invalid"
	WebhookProcessedWithError = "processed_with_error"
	WebhookRetry              = "retry"
)

// WebhookResult is the HTTP outcome of one delivery.
type WebhookResult struct {
	HTTPStatus   int                 `json:"-"`
	Disposition  string              `json:"status"`
	EventID      string              `json:"event_id,omitempty"`
	IntentID     string              `json:"intent_id,omitempty"`
	IntentStatus domain.IntentStatus `json:"intent_status,omitempty"`
}

// WebhookService runs verify, parse, dedup, resolve, apply and record for
// provider callbacks. It is independent of the HTTP framework.
type WebhookService struct {
	verifiers  map[domain.Provider]ports.SignatureVerifier
	ledger     ports.WebhookLedger
	claims     ports.InflightClaims
	intents    ports.IntentStore
	settlement *SettlementService
	tx         ports.TxManager
	audit      ports.AuditSink
	log        *slog.Logger

	claimTTL time.Duration
	group    singleflight.Group
	now      func() time.Time
}

// NewWebhookService creates a new webhook ingestor. claims may be nil.
func NewWebhookService(
	verifiers []ports.SignatureVerifier,
	ledger ports.WebhookLedger,
	claims ports.InflightClaims,
	intents ports.IntentStore,
	settlement *SettlementService,
	tx ports.TxManager,
	audit ports.AuditSink,
	log *slog.Logger,
	claimTTL time.Duration,
) *WebhookService {
	byProvider := make(map[domain.Provider]ports.SignatureVerifier, len(verifiers))
	for _, v := range verifiers {
		byProvider[v.Provider()] = v
	}
	return &WebhookService{
		verifiers:  byProvider,
		ledger:     ledger,
		claims:     claims,
		intents:    intents,
		settlement: settlement,
		tx:         tx,
		audit:      audit,
		log:        log,
		claimTTL:   claimTTL,
		now:        time.Now,
	}
}

// Handle processes one webhook delivery. Signature failures return 401 and
// never reach settlement. Business outcomes return 2xx so providers stop
// retrying; storage outages return 503 so they try again.
func (s *WebhookService) Handle(ctx context.Context, provider domain.Provider, rawBody []byte, headers http.Header) WebhookResult {
	ctx, span := tracer.Start(ctx, "webhook.handle", trace.WithAttributes(attribute.String("provider", string(provider))))
	defer span.End()

	verifier, ok := s.verifiers[provider]
	if !ok {
		return WebhookResult{HTTPStatus: http.StatusNotFound, Disposition: WebhookRejected}
	}

	// Step 1: Verify signature against the raw body
	if err := verifier.Verify(rawBody, headers); err != nil {
		s.signatureFailed(ctx, provider, rawBody, err)
		return WebhookResult{HTTPStatus: http.StatusUnauthorized, Disposition: WebhookRejected}
	}

	// Step 2: Parse the verified body
	event, err := verifier.Parse(rawBody)
	if err != nil {
		s.log.Warn("webhook payload invalid", "provider", provider, "err", err)
		return WebhookResult{HTTPStatus: http.StatusBadRequest, Disposition: WebhookInvalid}
	}
	if event == nil {
		return WebhookResult{HTTPStatus: http.StatusOK, Disposition: WebhookIgnored}
	}
	if event.EventID == "" {
		event.EventID = domain.FallbackEventID(rawBody)
	}
	span.SetAttributes(attribute.String("event_id", event.EventID))

	key := string(provider) + ":" + event.EventID
	v, _, _ := s.group.Do(key, func() (any, error) {
		return s.process(ctx, verifier, provider, event, domain.PayloadDigest(rawBody), key), nil
	})
	return v.(WebhookResult)
}

func (s *WebhookService) process(ctx context.Context, verifier ports.SignatureVerifier, provider domain.Provider, event *domain.ProviderEvent, digest, key string) WebhookResult {
	result := WebhookResult{EventID: event.EventID}
	actor := WebhookActor(provider)

	// Step 3: Dedup on (provider, event id)
	seen, err := s.ledger.Seen(ctx, provider, event.EventID)
	if err != nil {
		s.log.Error("webhook ledger unavailable", "provider", provider, "event_id", event.EventID, "err", err)
		return s.retry(result)
	}
	if seen {
		s.deduped(ctx, provider, event, "")
		result.HTTPStatus, result.Disposition = http.StatusOK, WebhookDuplicate
		return result
	}

	if s.claims != nil {
		claimed, err := s.claims.Claim(ctx, key, s.claimTTL)
		switch {
		case err != nil:
			s.log.Warn("inflight claim unavailable, continuing", "event_id", event.EventID, "err", err)
		case !claimed:
			// Another instance holds it; ask the provider to redeliver.
			result.HTTPStatus, result.Disposition = http.StatusServiceUnavailable, WebhookInFlight
			return result
		default:
			defer func() {
				if err := s.claims.Release(context.WithoutCancel(ctx), key); err != nil {
					s.log.Warn("inflight claim release failed", "event_id", event.EventID, "err", err)
				}
			}()
		}
	}

	if resolver, ok := verifier.(ports.EventResolver); ok && event.LookupID != "" {
		if err := resolver.Resolve(ctx, event); err != nil {
			s.log.Error("webhook event lookup failed", "provider", provider, "event_id", event.EventID, "err", err)
			return s.retry(result)
		}
	}

	// Step 4: Resolve the intent by provider reference
	record := &domain.WebhookEvent{
		Provider:        provider,
		ExternalEventID: event.EventID,
		ReceivedAt:      s.now(),
		PayloadDigest:   digest,
		Outcome:         event.Outcome,
	}
	intent, err := s.intents.GetIntentByReference(ctx, provider, event.Reference)
	if errors.Is(err, domain.ErrIntentNotFound) {
		record.Disposition = domain.DispositionOrphaned
		s.log.Error("webhook for unknown payment reference",
			"provider", provider, "event_id", event.EventID, "reference", event.Reference)
		s.orphaned(ctx, record, actor, event.Reference)
		return WebhookResult{HTTPStatus: http.StatusOK, Disposition: WebhookOrphaned, EventID: event.EventID}
	}
	if err != nil {
		s.log.Error("intent lookup failed", "provider", provider, "reference", event.Reference, "err", err)
		return s.retry(result)
	}
	result.IntentID = intent.ID
	record.IntentID = intent.ID

	// Step 5: Hand the verified outcome to settlement
	var status domain.IntentStatus
	if event.CaptureRequired {
		status, err = s.settlement.Confirm(ctx, intent.ID, actor)
	} else {
		status, err = s.settlement.Apply(ctx, intent.ID, event.Outcome, actor, event.Metadata)
	}
	result.IntentStatus = status
	result.HTTPStatus, result.Disposition = http.StatusOK, WebhookProcessed
	record.Disposition = domain.DispositionApplied

	if err != nil {
		if !isBusinessError(err) {
			s.log.Error("settlement unavailable", "intent_id", intent.ID, "event_id", event.EventID, "err", err)
			return s.retry(result)
		}
		s.log.Warn("webhook processed with error", "intent_id", intent.ID, "event_id", event.EventID, "err", err)
		result.Disposition = WebhookProcessedWithError
		record.Disposition = domain.DispositionErrored
	}

	// Step 6: Record the event
	return s.record(ctx, record, actor, domain.AuditWebhookApplied, domain.SeverityInfo, result)
}

// record writes the idempotency record and its audit entry together.
// Losing the insert race to another instance counts as a duplicate.
func (s *WebhookService) record(ctx context.Context, ev *domain.WebhookEvent, actor, action string, severity domain.Severity, result WebhookResult) WebhookResult {
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.RecordEvent(ctx, ev); err != nil {
			return err
		}
		entry := newAuditEntry(actor, action, ev.IntentID, severity, ev.ReceivedAt)
		entry.After = string(result.IntentStatus)
		entry.Metadata = map[string]string{
			"event_id":    ev.ExternalEventID,
			"outcome":     string(ev.Outcome),
			"disposition": string(ev.Disposition),
			"digest":      ev.PayloadDigest,
		}
		return s.audit.Append(ctx, entry)
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		s.deduped(ctx, ev.Provider, &domain.ProviderEvent{EventID: ev.ExternalEventID}, ev.IntentID)
		result.Disposition = WebhookDuplicate
		return result
	}
	if err != nil {
		s.log.Error("webhook event record failed", "provider", ev.Provider, "event_id", ev.ExternalEventID, "err", err)
		return s.retry(result)
	}
	return result
}

// orphaned audits an event whose reference matched no intent. It stays out
// of the ledger so a redelivery after the intent appears is still applied.
func (s *WebhookService) orphaned(ctx context.Context, ev *domain.WebhookEvent, actor, reference string) {
	entry := newAuditEntry(actor, domain.AuditWebhookOrphaned, "", domain.SeverityAlert, ev.ReceivedAt)
	entry.Metadata = map[string]string{
		"event_id":    ev.ExternalEventID,
		"reference":   reference,
		"outcome":     string(ev.Outcome),
		"disposition": string(ev.Disposition),
		"digest":      ev.PayloadDigest,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", "provider", ev.Provider, "event_id", ev.ExternalEventID, "err", err)
	}
}

func (s *WebhookService) deduped(ctx context.Context, provider domain.Provider, event *domain.ProviderEvent, intentID string) {
	s.log.Info("duplicate webhook ignored", "provider", provider, "event_id", event.EventID)
	entry := newAuditEntry(WebhookActor(provider), domain.AuditWebhookDeduped, intentID, domain.SeverityInfo, s.now())
	entry.Metadata = map[string]string{"event_id": event.EventID}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", "event_id", event.EventID, "err", err)
	}
}

func (s *WebhookService) signatureFailed(ctx context.Context, provider domain.Provider, rawBody []byte, cause error) {
	s.log.Error("webhook signature verification failed", "provider", provider, "err", cause)
	entry := newAuditEntry(WebhookActor(provider), domain.AuditSignatureFailed, "", domain.SeverityAlert, s.now())
	entry.Metadata = map[string]string{
		"reason": cause.Error(),
		"digest": domain.PayloadDigest(rawBody),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", "provider", provider, "err", err)
	}
}

func (s *WebhookService) retry(result WebhookResult) WebhookResult {
	result.HTTPStatus, result.Disposition = http.StatusServiceUnavailable, WebhookRetry
	return result
}

// isBusinessError reports whether err is a definitive domain answer rather
// than an infrastructure failure worth a provider retry.
func isBusinessError(err error) bool {
	var svcErr *domain.ServiceError
	if !errors.As(err, &svcErr) {
		return false
	}
	return !errors.Is(err, domain.ErrProviderUnavailable)
}
