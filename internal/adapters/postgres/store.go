package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketplace/payments/internal/adapters/outbox"
	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/platform/tracing"
)

// Store implements every persistence port. Calls made with a ctx from
// RunInTx join that transaction.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// RunInTx runs fn in a transaction, or in the caller's if one is open.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const intentColumns = `id, provider, purpose, owner_kind, owner_id, plan_id, amount_minor, currency,
	COALESCE(provider_reference, ''), status, failure_reason, created_at, last_transition_at, attempt_count, version`

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var in domain.PaymentIntent
	err := row.Scan(&in.ID, &in.Provider, &in.Purpose, &in.Owner.Kind, &in.Owner.ID, &in.Owner.PlanID,
		&in.Amount.Minor, &in.Amount.Currency, &in.ProviderReference, &in.Status, &in.FailureReason,
		&in.CreatedAt, &in.LastTransitionAt, &in.AttemptCount, &in.Version)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func collectIntents(rows pgx.Rows) ([]*domain.PaymentIntent, error) {
	defer rows.Close()
	var out []*domain.PaymentIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) CreateIntent(ctx context.Context, in *domain.PaymentIntent) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO payment_intents (id, provider, purpose, owner_kind, owner_id, plan_id, amount_minor, currency,
			provider_reference, status, failure_reason, created_at, last_transition_at, attempt_count, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13,$14,$15)`,
		in.ID, in.Provider, in.Purpose, in.Owner.Kind, in.Owner.ID, in.Owner.PlanID, in.Amount.Minor, in.Amount.Currency,
		in.ProviderReference, in.Status, in.FailureReason, in.CreatedAt, in.LastTransitionAt, in.AttemptCount, in.Version)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	in, err := scanIntent(s.q(ctx).QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return in, nil
}

func (s *Store) GetIntentByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.PaymentIntent, error) {
	if reference == "" {
		return nil, domain.ErrIntentNotFound
	}
	in, err := scanIntent(s.q(ctx).QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE provider=$1 AND provider_reference=$2`, provider, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent by reference: %w", err)
	}
	return in, nil
}

// TransitionIntent is a single conditional UPDATE on status and version.
func (s *Store) TransitionIntent(ctx context.Context, t domain.Transition) (*domain.PaymentIntent, error) {
	in, err := scanIntent(s.q(ctx).QueryRow(ctx, `
		UPDATE payment_intents SET
			status = $4,
			version = version + 1,
			last_transition_at = $5,
			attempt_count = attempt_count + CASE WHEN $8::boolean THEN 1 ELSE 0 END,
			failure_reason = CASE WHEN $6 <> '' THEN $6 ELSE failure_reason END,
			provider_reference = COALESCE(provider_reference, NULLIF($7, ''))
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING `+intentColumns,
		t.IntentID, t.From, t.Version, t.To, t.At, t.Reason, t.Reference, t.Attempt))
	if isUniqueViolation(err) {
		return nil, domain.ErrConflict
	}
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.q(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_intents WHERE id=$1)`, t.IntentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check intent: %w", err)
		}
		if !exists {
			return nil, domain.ErrIntentNotFound
		}
		return nil, domain.ErrStaleIntent
	}
	if err != nil {
		return nil, fmt.Errorf("transition intent: %w", err)
	}
	return in, nil
}

func (s *Store) ListStaleIntents(ctx context.Context, statuses []domain.IntentStatus, olderThan time.Time, after domain.StaleCursor, limit int) ([]*domain.PaymentIntent, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status = ANY($1) AND last_transition_at < $2
		  AND (last_transition_at, id) > ($3, $4)
		ORDER BY last_transition_at, id
		LIMIT $5`, names, olderThan, after.At, after.ID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale intents: %w", err)
	}
	return collectIntents(rows)
}

const ownerColumns = `kind, id, price_minor, currency, payment_status, COALESCE(payment_intent_id, ''),
	COALESCE(payment_in_progress, ''), COALESCE(tier, ''), trial, converted_at, period_start, period_end, updated_at`

func scanOwner(row pgx.Row) (*domain.Owner, error) {
	var (
		o                      domain.Owner
		periodStart, periodEnd *time.Time
	)
	err := row.Scan(&o.Kind, &o.ID, &o.PriceMinor, &o.Currency, &o.PaymentStatus, &o.PaymentIntentID,
		&o.PaymentInProgress, &o.Tier, &o.Trial, &o.ConvertedAt, &periodStart, &periodEnd, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if periodStart != nil {
		o.PeriodStart = periodStart.UTC()
	}
	if periodEnd != nil {
		o.PeriodEnd = periodEnd.UTC()
	}
	return &o, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) GetOwner(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	o, err := scanOwner(s.q(ctx).QueryRow(ctx, `SELECT `+ownerColumns+` FROM owners WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOwnerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return o, nil
}

// UpsertOwner registers a booking or subscription, or refreshes its price.
// Payment fields of an existing owner are left alone.
func (s *Store) UpsertOwner(ctx context.Context, o *domain.Owner) error {
	status := o.PaymentStatus
	if status == "" {
		status = domain.PaymentUnpaid
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO owners (kind, id, price_minor, currency, payment_status, tier, trial, period_start, period_end, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10)
		ON CONFLICT (kind, id) DO UPDATE SET price_minor=$3, currency=$4, updated_at=$10`,
		o.Kind, o.ID, o.PriceMinor, o.Currency, status, o.Tier, o.Trial, nullTime(o.PeriodStart), nullTime(o.PeriodEnd), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert owner: %w", err)
	}
	return nil
}

func (s *Store) ClaimPayment(ctx context.Context, ref domain.OwnerRef, intentID string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE owners SET payment_in_progress=$3
		WHERE kind=$1 AND id=$2 AND payment_in_progress IS NULL`, ref.Kind, ref.ID, intentID)
	if err != nil {
		return fmt.Errorf("claim payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetOwner(ctx, ref); err != nil {
		return err
	}
	return domain.ErrConflict
}

// SaveOwner writes the payment fields. A converted trial stays converted.
func (s *Store) SaveOwner(ctx context.Context, o *domain.Owner) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE owners SET
			payment_status = $3,
			payment_intent_id = NULLIF($4, ''),
			payment_in_progress = NULLIF($5, ''),
			tier = NULLIF($6, ''),
			trial = CASE WHEN converted_at IS NOT NULL THEN FALSE ELSE $7 END,
			converted_at = COALESCE(converted_at, $8),
			period_start = $9,
			period_end = $10,
			updated_at = $11
		WHERE kind=$1 AND id=$2`,
		o.Kind, o.ID, o.PaymentStatus, o.PaymentIntentID, o.PaymentInProgress, o.Tier, o.Trial, o.ConvertedAt,
		nullTime(o.PeriodStart), nullTime(o.PeriodEnd), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOwnerNotFound
	}
	return nil
}

// ListDrifted joins each owner to the intent it points at: the in-progress
// intent if one is marked, otherwise the last linked one. Terminal owner
// statuses share their names with terminal intent statuses.
func (s *Store) ListDrifted(ctx context.Context, limit int) ([]domain.Drift, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT o.kind, o.id, o.price_minor, o.currency, o.payment_status, COALESCE(o.payment_intent_id, ''),
			COALESCE(o.payment_in_progress, ''), COALESCE(o.tier, ''), o.trial, o.converted_at, o.period_start,
			o.period_end, o.updated_at,
			i.id, i.provider, i.purpose, i.owner_kind, i.owner_id, i.plan_id, i.amount_minor, i.currency,
			COALESCE(i.provider_reference, ''), i.status, i.failure_reason, i.created_at, i.last_transition_at,
			i.attempt_count, i.version
		FROM owners o
		JOIN payment_intents i ON i.id = COALESCE(o.payment_in_progress, o.payment_intent_id)
		WHERE i.status IN ('settled', 'failed', 'rejected', 'expired')
		  AND (o.payment_in_progress IS NOT NULL OR o.payment_status <> i.status)
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list drifted: %w", err)
	}
	defer rows.Close()

	var out []domain.Drift
	for rows.Next() {
		var (
			o                      domain.Owner
			in                     domain.PaymentIntent
			periodStart, periodEnd *time.Time
		)
		err := rows.Scan(&o.Kind, &o.ID, &o.PriceMinor, &o.Currency, &o.PaymentStatus, &o.PaymentIntentID,
			&o.PaymentInProgress, &o.Tier, &o.Trial, &o.ConvertedAt, &periodStart, &periodEnd, &o.UpdatedAt,
			&in.ID, &in.Provider, &in.Purpose, &in.Owner.Kind, &in.Owner.ID, &in.Owner.PlanID, &in.Amount.Minor,
			&in.Amount.Currency, &in.ProviderReference, &in.Status, &in.FailureReason, &in.CreatedAt,
			&in.LastTransitionAt, &in.AttemptCount, &in.Version)
		if err != nil {
			return nil, err
		}
		if periodStart != nil {
			o.PeriodStart = periodStart.UTC()
		}
		if periodEnd != nil {
			o.PeriodEnd = periodEnd.UTC()
		}
		out = append(out, domain.Drift{Owner: &o, Intent: &in})
	}
	return out, rows.Err()
}

func (s *Store) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*domain.Owner, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+ownerColumns+` FROM owners
		WHERE kind = 'subscription' AND tier IS NOT NULL AND tier <> 'free'
		  AND period_end IS NOT NULL AND period_end < $1
		ORDER BY period_end
		LIMIT $2`, now, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list lapsed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Owner
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) GetUsage(ctx context.Context, subscriptionID, featureKey string, periodStart time.Time) (*domain.UsageRecord, error) {
	rec := &domain.UsageRecord{SubscriptionID: subscriptionID, FeatureKey: featureKey, PeriodStart: periodStart.UTC()}
	err := s.q(ctx).QueryRow(ctx, `
		SELECT consumed, limit_value, flagged FROM usage_records
		WHERE subscription_id=$1 AND feature_key=$2 AND period_start=$3`,
		subscriptionID, featureKey, periodStart.UTC()).Scan(&rec.Consumed, &rec.Limit, &rec.Flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return rec, nil
}

// IncrementUsage adds amount in one guarded UPDATE, so concurrent callers
// can never push a hard limit past its value.
func (s *Store) IncrementUsage(ctx context.Context, subscriptionID, featureKey string, periodStart time.Time, amount, limit int64, allowOverage bool) (*domain.UsageRecord, error) {
	periodStart = periodStart.UTC()
	if _, err := s.q(ctx).Exec(ctx, `
		INSERT INTO usage_records (subscription_id, feature_key, period_start, consumed, limit_value)
		VALUES ($1,$2,$3,0,$4)
		ON CONFLICT DO NOTHING`, subscriptionID, featureKey, periodStart, limit); err != nil {
		return nil, fmt.Errorf("open usage record: %w", err)
	}

	rec := &domain.UsageRecord{SubscriptionID: subscriptionID, FeatureKey: featureKey, PeriodStart: periodStart}
	err := s.q(ctx).QueryRow(ctx, `
		UPDATE usage_records SET
			consumed = consumed + $4,
			limit_value = $5,
			flagged = flagged OR ($5 >= 0 AND consumed + $4 > $5)
		WHERE subscription_id=$1 AND feature_key=$2 AND period_start=$3
		  AND ($6 OR $5 < 0 OR consumed + $4 <= $5)
		RETURNING consumed, limit_value, flagged`,
		subscriptionID, featureKey, periodStart, amount, limit, allowOverage).Scan(&rec.Consumed, &rec.Limit, &rec.Flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLimitExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	return rec, nil
}

func (s *Store) ResetUsage(ctx context.Context, subscriptionID string, periodStart time.Time, limits map[string]int64) error {
	batch := &pgx.Batch{}
	for feature, limit := range limits {
		if f, ok := domain.Features[feature]; !ok || !f.Metered {
			continue
		}
		batch.Queue(`
			INSERT INTO usage_records (subscription_id, feature_key, period_start, consumed, limit_value)
			VALUES ($1,$2,$3,0,$4)
			ON CONFLICT DO NOTHING`, subscriptionID, feature, periodStart.UTC(), limit)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		tx := ctx.Value(txKey{}).(pgx.Tx)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		return nil
	})
}

func (s *Store) Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error) {
	var seen bool
	err := s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider=$1 AND external_event_id=$2)`,
		provider, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return seen, nil
}

func (s *Store) RecordEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO webhook_events (provider, external_event_id, received_at, payload_digest, intent_id, outcome, disposition)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7)`,
		ev.Provider, ev.ExternalEventID, ev.ReceivedAt, ev.PayloadDigest, ev.IntentID, ev.Outcome, ev.Disposition)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e domain.AuditEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, actor, action, intent_id, before_state, after_state, severity, metadata, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)`,
		e.ID, e.Actor, e.Action, e.IntentID, e.Before, e.After, e.Severity, raw, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns an intent's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, intentID string) ([]domain.AuditEntry, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, actor, action, COALESCE(intent_id, ''), before_state, after_state, severity, metadata, created_at
		FROM audit_log WHERE intent_id=$1 ORDER BY created_at, id`, intentID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.IntentID, &e.Before, &e.After, &e.Severity, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Enqueue writes the notification to the outbox in the caller's transaction.
func (s *Store) Enqueue(ctx context.Context, n domain.Notification) error {
	ev, err := outbox.NewEvent(n, tracing.Traceparent(ctx))
	if err != nil {
		return err
	}
	const insert = `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',$7)`
	args := []any{ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, ev.Headers, ev.Traceparent, ev.CreatedAt}

	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	if !ok {
		if _, err := s.pool.Exec(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
		return nil
	}

	// Inside a transition the insert runs under a savepoint, so a failed
	// notification does not abort the transaction it rides on.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, insert, args...); err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("insert outbox: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release outbox savepoint: %w", err)
	}
	return nil
}

// CreateRefund locks the intent row so concurrent refunds see each other.
func (s *Store) CreateRefund(ctx context.Context, r *domain.Refund, refundable int64) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		var committed int64
		if _, err := s.q(ctx).Exec(ctx, `SELECT 1 FROM payment_intents WHERE id=$1 FOR UPDATE`, r.IntentID); err != nil {
			return fmt.Errorf("lock intent: %w", err)
		}
		err := s.q(ctx).QueryRow(ctx, `
			SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE intent_id=$1 AND status <> 'failed'`,
			r.IntentID).Scan(&committed)
		if err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		if committed+r.Amount.Minor > refundable {
			return domain.ErrNotRefundable
		}
		_, err = s.q(ctx).Exec(ctx, `
			INSERT INTO refunds (id, intent_id, amount_minor, currency, reason, actor, status, provider_refund_id,
				failure_reason, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			r.ID, r.IntentID, r.Amount.Minor, r.Amount.Currency, r.Reason, r.Actor, r.Status, r.ProviderRefundID,
			r.FailureReason, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE refunds SET status=$2, provider_refund_id=$3, failure_reason=$4, updated_at=$5 WHERE id=$1`,
		r.ID, r.Status, r.ProviderRefundID, r.FailureReason, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRefundable
	}
	return nil
}

func (s *Store) ListRefunds(ctx context.Context, intentID string) ([]*domain.Refund, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, intent_id, amount_minor, currency, reason, actor, status, provider_refund_id, failure_reason,
			created_at, updated_at
		FROM refunds WHERE intent_id=$1 ORDER BY created_at`, intentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var out []*domain.Refund
	for rows.Next() {
		var r domain.Refund
		if err := rows.Scan(&r.ID, &r.IntentID, &r.Amount.Minor, &r.Amount.Currency, &r.Reason, &r.Actor, &r.Status,
			&r.ProviderRefundID, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// limitOrAll maps a non-positive limit to no limit.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
