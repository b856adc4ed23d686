package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// ReconcileConfig tunes the scanner.
type ReconcileConfig struct {
	Interval      time.Duration
	IntentTimeout time.Duration
	// PendingCeiling is the intent age after which a payment the provider
	// still reports as pending is failed. Defaults to twice IntentTimeout.
	PendingCeiling time.Duration
	BatchSize      int
	// SweepLimit caps the stale intents visited in one sweep.
	SweepLimit   int
	Workers      int
	PollAttempts int
	PollBackoff  time.Duration
}

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Scanned       int64 `json:"scanned"`
	Settled       int64 `json:"settled"`
	Failed        int64 `json:"failed"`
	Expired       int64 `json:"expired"`
	StillPending  int64 `json:"still_pending"`
	Errors        int64 `json:"errors"`
	DriftRepaired int64 `json:"drift_repaired"`
	Lapsed        int64 `json:"lapsed"`
}

// Reconciler finds intents stuck past the timeout, asks the provider what
// really happened and settles through the same engine as webhooks. It also
// repairs owner drift and lapses ended subscriptions.
type Reconciler struct {
	intents    ports.IntentStore
	owners     ports.OwnerStore
	settlement *SettlementService
	ledger     *EntitlementService
	providers  Providers
	log        *slog.Logger
	cfg        ReconcileConfig
	now        func() time.Time
}

// NewReconciler creates a new reconciliation scanner.
func NewReconciler(
	intents ports.IntentStore,
	owners ports.OwnerStore,
	settlement *SettlementService,
	ledger *EntitlementService,
	providers Providers,
	log *slog.Logger,
	cfg ReconcileConfig,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.IntentTimeout <= 0 {
		cfg.IntentTimeout = 24 * time.Hour
	}
	if cfg.PendingCeiling <= 0 {
		cfg.PendingCeiling = 2 * cfg.IntentTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 20 * cfg.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 3
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = 500 * time.Millisecond
	}
	return &Reconciler{
		intents:    intents,
		owners:     owners,
		settlement: settlement,
		ledger:     ledger,
		providers:  providers,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("reconciler started", "interval", r.cfg.Interval, "timeout", r.cfg.IntentTimeout, "pending_ceiling", r.cfg.PendingCeiling)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopping")
			return nil
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error("reconcile sweep failed", "err", err)
				continue
			}
			r.log.Info("reconcile sweep finished",
				"scanned", report.Scanned, "settled", report.Settled, "failed", report.Failed,
				"expired", report.Expired, "pending", report.StillPending, "errors", report.Errors,
				"drift_repaired", report.DriftRepaired, "lapsed", report.Lapsed)
		}
	}
}

// Sweep runs one full pass: stuck intents, owner drift, lapsed plans.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	report := &SweepReport{}
	if err := r.sweepStale(ctx, report); err != nil {
		return report, err
	}
	if err := r.sweepDrift(ctx, report); err != nil {
		return report, err
	}
	if err := r.sweepLapsed(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// sweepStale pages through stale intents by (last_transition_at, id) so
// rows that stay pending never hide younger ones from the sweep.
func (r *Reconciler) sweepStale(ctx context.Context, report *SweepReport) error {
	cutoff := r.now().Add(-r.cfg.IntentTimeout)
	var cursor domain.StaleCursor
	for visited := 0; visited < r.cfg.SweepLimit; {
		stale, err := r.intents.ListStaleIntents(ctx, domain.NonTerminalStatuses, cutoff, cursor, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		r.log.Info("reconciling stuck intents", "count", len(stale))

		if err := r.resolveBatch(ctx, stale, report); err != nil {
			return err
		}
		visited += len(stale)
		cursor = domain.CursorOf(stale[len(stale)-1])
		if len(stale) < r.cfg.BatchSize {
			return nil
		}
	}
	r.log.Warn("reconcile sweep limit reached, resuming next tick", "limit", r.cfg.SweepLimit)
	return nil
}

func (r *Reconciler) resolveBatch(ctx context.Context, stale []*domain.PaymentIntent, report *SweepReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, intent := range stale {
		intent := intent
		g.Go(func() error {
			atomic.AddInt64(&report.Scanned, 1)
			if err := r.resolve(gctx, intent, report); err != nil {
				atomic.AddInt64(&report.Errors, 1)
				r.log.Error("reconcile intent failed", "intent_id", intent.ID, "provider", intent.Provider, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// resolve decides one stuck intent from the provider's answer.
func (r *Reconciler) resolve(ctx context.Context, intent *domain.PaymentIntent, report *SweepReport) error {
	if intent.ProviderReference == "" {
		// The session was never confirmed, so the provider cannot know it.
		_, err := r.settlement.Expire(ctx, intent.ID, "no provider session before timeout")
		if err == nil {
			atomic.AddInt64(&report.Expired, 1)
		}
		return err
	}

	adapter, err := r.providers.Get(intent.Provider)
	if err != nil {
		return err
	}
	status, err := r.poll(ctx, adapter, intent.ProviderReference)
	if err != nil {
		return err
	}

	switch {
	case !status.Found:
		_, err := r.settlement.Expire(ctx, intent.ID, "provider has no record of the payment")
		if err == nil {
			atomic.AddInt64(&report.Expired, 1)
		}
		return err
	case status.CaptureRequired:
		// Approved by the payer; Verify captures the funds.
		final, err := r.settlement.Confirm(ctx, intent.ID, ActorScanner)
		if err != nil {
			return err
		}
		if final.Terminal() {
			countFinal(report, final)
			return nil
		}
	case status.Outcome != domain.OutcomePending:
		final, err := r.settlement.Apply(ctx, intent.ID, status.Outcome, ActorScanner, map[string]string{
			"provider_payment_id": status.ProviderPaymentID,
			"detail":              status.Detail,
			"source":              "status_poll",
		})
		if err != nil {
			return err
		}
		countFinal(report, final)
		return nil
	}

	return r.holdPending(ctx, intent, report)
}

// holdPending leaves a pending intent for the next sweep until it is older
// than the ceiling, then fails it so the owner can pay again.
func (r *Reconciler) holdPending(ctx context.Context, intent *domain.PaymentIntent, report *SweepReport) error {
	age := r.now().Sub(intent.CreatedAt)
	if age < r.cfg.PendingCeiling {
		atomic.AddInt64(&report.StillPending, 1)
		return nil
	}
	r.log.Warn("payment pending past ceiling, failing intent",
		"intent_id", intent.ID, "provider", intent.Provider, "age", age, "ceiling", r.cfg.PendingCeiling)
	final, err := r.settlement.Fail(ctx, intent.ID, ActorScanner, "provider still pending past ceiling")
	if err != nil {
		return err
	}
	countFinal(report, final)
	return nil
}

func countFinal(report *SweepReport, final domain.IntentStatus) {
	switch final {
	case domain.StatusSettled:
		atomic.AddInt64(&report.Settled, 1)
	case domain.StatusFailed:
		atomic.AddInt64(&report.Failed, 1)
	case domain.StatusExpired:
		atomic.AddInt64(&report.Expired, 1)
	}
}

// poll asks the provider with exponential backoff on retryable errors.
func (r *Reconciler) poll(ctx context.Context, adapter ports.ProviderAdapter, reference string) (*domain.ProviderStatus, error) {
	delay := r.cfg.PollBackoff
	var lastErr error
	for attempt := 0; attempt < r.cfg.PollAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.settlement.providerTimeout)
		status, err := adapter.PollStatus(callCtx, reference)
		cancel()
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (r *Reconciler) sweepDrift(ctx context.Context, report *SweepReport) error {
	drifted, err := r.owners.ListDrifted(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, d := range drifted {
		repaired, err := r.settlement.Repair(ctx, d.Intent.ID)
		if err != nil {
			report.Errors++
			r.log.Error("drift repair failed", "intent_id", d.Intent.ID, "owner", d.Owner.Ref().Key(), "err", err)
			continue
		}
		if repaired {
			report.DriftRepaired++
		}
	}
	return nil
}

func (r *Reconciler) sweepLapsed(ctx context.Context, report *SweepReport) error {
	lapsed, err := r.owners.ListLapsed(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, owner := range lapsed {
		if err := r.ledger.Lapse(ctx, owner); err != nil {
			report.Errors++
			r.log.Error("lapse failed", "subscription_id", owner.ID, "err", err)
			continue
		}
		report.Lapsed++
	}
	return nil
}
