// Package memory provides an in-process implementation of every storage
// port. It backs local development and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marketplace/payments/internal/core/domain"
)

type txKey struct{}

// Store keeps all state in maps guarded by one mutex. RunInTx holds the
// mutex for the whole callback and restores a snapshot on error.
type Store struct {
	mu sync.Mutex

	intents       map[string]*domain.PaymentIntent
	owners        map[string]*domain.Owner
	usage         map[string]*domain.UsageRecord
	events        map[string]*domain.WebhookEvent
	refunds       map[string]*domain.Refund
	audit         []domain.AuditEntry
	notifications []domain.Notification
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		intents: make(map[string]*domain.PaymentIntent),
		owners:  make(map[string]*domain.Owner),
		usage:   make(map[string]*domain.UsageRecord),
		events:  make(map[string]*domain.WebhookEvent),
		refunds: make(map[string]*domain.Refund),
	}
}

// RunInTx runs fn atomically with respect to every other store call.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, true))
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// lock acquires the mutex unless the caller already holds it through RunInTx.
func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

type snapshot struct {
	intents       map[string]domain.PaymentIntent
	owners        map[string]domain.Owner
	usage         map[string]domain.UsageRecord
	events        map[string]domain.WebhookEvent
	refunds       map[string]domain.Refund
	audit         int
	notifications int
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		intents:       make(map[string]domain.PaymentIntent, len(s.intents)),
		owners:        make(map[string]domain.Owner, len(s.owners)),
		usage:         make(map[string]domain.UsageRecord, len(s.usage)),
		events:        make(map[string]domain.WebhookEvent, len(s.events)),
		refunds:       make(map[string]domain.Refund, len(s.refunds)),
		audit:         len(s.audit),
		notifications: len(s.notifications),
	}
	for k, v := range s.intents {
		snap.intents[k] = *v
	}
	for k, v := range s.owners {
		snap.owners[k] = *v
	}
	for k, v := range s.usage {
		snap.usage[k] = *v
	}
	for k, v := range s.events {
		snap.events[k] = *v
	}
	for k, v := range s.refunds {
		snap.refunds[k] = *v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.intents = make(map[string]*domain.PaymentIntent, len(snap.intents))
	for k, v := range snap.intents {
		v := v
		s.intents[k] = &v
	}
	s.owners = make(map[string]*domain.Owner, len(snap.owners))
	for k, v := range snap.owners {
		v := v
		s.owners[k] = &v
	}
	s.usage = make(map[string]*domain.UsageRecord, len(snap.usage))
	for k, v := range snap.usage {
		v := v
		s.usage[k] = &v
	}
	s.events = make(map[string]*domain.WebhookEvent, len(snap.events))
	for k, v := range snap.events {
		v := v
		s.events[k] = &v
	}
	s.refunds = make(map[string]*domain.Refund, len(snap.refunds))
	for k, v := range snap.refunds {
		v := v
		s.refunds[k] = &v
	}
	s.audit = s.audit[:snap.audit]
	s.notifications = s.notifications[:snap.notifications]
}

// CreateIntent inserts a new intent.
func (s *Store) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	if _, ok := s.intents[intent.ID]; ok {
		return domain.ErrConflict
	}
	for _, existing := range s.intents {
		if existing.Owner.Key() == intent.Owner.Key() && !existing.Status.Terminal() {
			return domain.ErrConflict
		}
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

// GetIntent returns a copy of an intent.
func (s *Store) GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	intent, ok := s.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

// GetIntentByReference looks an intent up by provider reference.
func (s *Store) GetIntentByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.PaymentIntent, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	if reference == "" {
		return nil, domain.ErrIntentNotFound
	}
	for _, intent := range s.intents {
		if intent.Provider == provider && intent.ProviderReference == reference {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, domain.ErrIntentNotFound
}

// TransitionIntent applies t if status and version still match.
func (s *Store) TransitionIntent(ctx context.Context, t domain.Transition) (*domain.PaymentIntent, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	intent, ok := s.intents[t.IntentID]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	if intent.Status != t.From || intent.Version != t.Version {
		return nil, domain.ErrStaleIntent
	}
	if t.Reference != "" {
		for _, other := range s.intents {
			if other.ID != intent.ID && other.Provider == intent.Provider && other.ProviderReference == t.Reference {
				return nil, domain.ErrConflict
			}
		}
	}
	t.Apply(intent)
	cp := *intent
	return &cp, nil
}

// ListStaleIntents returns intents in statuses not touched since olderThan,
// resuming after the cursor.
func (s *Store) ListStaleIntents(ctx context.Context, statuses []domain.IntentStatus, olderThan time.Time, after domain.StaleCursor, limit int) ([]*domain.PaymentIntent, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	want := make(map[domain.IntentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*domain.PaymentIntent
	for _, intent := range s.intents {
		if want[intent.Status] && intent.LastTransitionAt.Before(olderThan) && after.After(intent) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.CursorOf(out[j]).After(out[i]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SeedOwner inserts or replaces an owner. Owners are created by the
// marketplace, so this is only used by tests and local development.
func (s *Store) SeedOwner(owner domain.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner.PaymentStatus == "" {
		owner.PaymentStatus = domain.PaymentUnpaid
	}
	s.owners[owner.Ref().Key()] = &owner
}

// UpsertOwner registers an owner or refreshes its price. Payment fields of
// an existing owner are left alone.
func (s *Store) UpsertOwner(ctx context.Context, owner *domain.Owner) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	if existing, ok := s.owners[owner.Ref().Key()]; ok {
		existing.PriceMinor = owner.PriceMinor
		existing.Currency = owner.Currency
		existing.UpdatedAt = owner.UpdatedAt
		return nil
	}
	cp := *owner
	if cp.PaymentStatus == "" {
		cp.PaymentStatus = domain.PaymentUnpaid
	}
	cp.PaymentInProgress = ""
	s.owners[owner.Ref().Key()] = &cp
	return nil
}

// GetOwner returns a copy of an owner.
func (s *Store) GetOwner(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	owner, ok := s.owners[ref.Key()]
	if !ok {
		return nil, domain.ErrOwnerNotFound
	}
	cp := *owner
	return &cp, nil
}

// ClaimPayment sets the in-progress marker if it is free.
func (s *Store) ClaimPayment(ctx context.Context, ref domain.OwnerRef, intentID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	owner, ok := s.owners[ref.Key()]
	if !ok {
		return domain.ErrOwnerNotFound
	}
	if owner.PaymentInProgress != "" {
		return domain.ErrConflict
	}
	owner.PaymentInProgress = intentID
	return nil
}

// SaveOwner stores the payment fields of an owner. A converted trial never
// becomes a trial again.
func (s *Store) SaveOwner(ctx context.Context, owner *domain.Owner) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	existing, ok := s.owners[owner.Ref().Key()]
	if !ok {
		return domain.ErrOwnerNotFound
	}
	cp := *owner
	if existing.ConvertedAt != nil {
		cp.ConvertedAt = existing.ConvertedAt
		cp.Trial = false
	}
	s.owners[owner.Ref().Key()] = &cp
	return nil
}

// ListDrifted finds owners whose payment fields disagree with a terminal intent.
func (s *Store) ListDrifted(ctx context.Context, limit int) ([]domain.Drift, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	var out []domain.Drift
	for _, owner := range s.owners {
		var intent *domain.PaymentIntent
		switch {
		case owner.PaymentInProgress != "":
			if in, ok := s.intents[owner.PaymentInProgress]; ok && in.Status.Terminal() {
				intent = in
			}
		case owner.PaymentIntentID != "":
			if in, ok := s.intents[owner.PaymentIntentID]; ok && in.Status.Terminal() &&
				domain.OwnerStatusFor(in.Status) != owner.PaymentStatus {
				intent = in
			}
		}
		if intent == nil {
			continue
		}
		o, i := *owner, *intent
		out = append(out, domain.Drift{Owner: &o, Intent: &i})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListLapsed returns paid subscriptions whose period ended before now.
func (s *Store) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*domain.Owner, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	var out []*domain.Owner
	for _, owner := range s.owners {
		if owner.Kind != domain.OwnerSubscription || owner.Tier == "" || owner.Tier == domain.TierFree {
			continue
		}
		if owner.PeriodEnd.IsZero() || !owner.PeriodEnd.Before(now) {
			continue
		}
		cp := *owner
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func usageKey(subscriptionID, featureKey string, periodStart time.Time) string {
	return subscriptionID + "|" + featureKey + "|" + periodStart.UTC().Format(time.RFC3339)
}

// GetUsage returns the usage record or a zero record.
func (s *Store) GetUsage(ctx context.Context, subscriptionID, featureKey string, periodStart time.Time) (*domain.UsageRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	if rec, ok := s.usage[usageKey(subscriptionID, featureKey, periodStart)]; ok {
		cp := *rec
		return &cp, nil
	}
	return &domain.UsageRecord{SubscriptionID: subscriptionID, FeatureKey: featureKey, PeriodStart: periodStart.UTC()}, nil
}

// IncrementUsage adds amount to a counter.
func (s *Store) IncrementUsage(ctx context.Context, subscriptionID, featureKey string, periodStart time.Time, amount, limit int64, allowOverage bool) (*domain.UsageRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	key := usageKey(subscriptionID, featureKey, periodStart)
	rec, ok := s.usage[key]
	if !ok {
		rec = &domain.UsageRecord{SubscriptionID: subscriptionID, FeatureKey: featureKey, PeriodStart: periodStart.UTC()}
	}
	rec.Limit = limit

	next := rec.Consumed + amount
	if limit >= 0 && next > limit {
		if !allowOverage {
			return nil, domain.ErrLimitExceeded
		}
		rec.Flagged = true
	}
	rec.Consumed = next
	s.usage[key] = rec
	cp := *rec
	return &cp, nil
}

// ResetUsage opens zeroed counters for a new period.
func (s *Store) ResetUsage(ctx context.Context, subscriptionID string, periodStart time.Time, limits map[string]int64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	for feature, limit := range limits {
		if f, ok := domain.Features[feature]; !ok || !f.Metered {
			continue
		}
		key := usageKey(subscriptionID, feature, periodStart)
		if _, ok := s.usage[key]; ok {
			continue
		}
		s.usage[key] = &domain.UsageRecord{
			SubscriptionID: subscriptionID,
			FeatureKey:     feature,
			PeriodStart:    periodStart.UTC(),
			Limit:          limit,
		}
	}
	return nil
}

func eventKey(provider domain.Provider, eventID string) string {
	return string(provider) + ":" + eventID
}

// Seen reports whether an event was recorded.
func (s *Store) Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	defer s.lock(ctx)()

	_, ok := s.events[eventKey(provider, eventID)]
	return ok, nil
}

// RecordEvent inserts an idempotency record.
func (s *Store) RecordEvent(ctx context.Context, event *domain.WebhookEvent) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	key := eventKey(event.Provider, event.ExternalEventID)
	if _, ok := s.events[key]; ok {
		return domain.ErrDuplicateEvent
	}
	cp := *event
	s.events[key] = &cp
	return nil
}

// Append adds an audit entry.
func (s *Store) Append(ctx context.Context, entry domain.AuditEntry) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns audit entries, optionally filtered by action.
func (s *Store) AuditEntries(actions ...string) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(actions))
	for _, a := range actions {
		want[a] = true
	}
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if len(want) == 0 || want[e.Action] {
			out = append(out, e)
		}
	}
	return out
}

// ListAudit returns an intent's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, intentID string) ([]domain.AuditEntry, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.IntentID == intentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Enqueue records a notification.
func (s *Store) Enqueue(ctx context.Context, n domain.Notification) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns queued notifications.
func (s *Store) Notifications() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.notifications...)
}

// CreateRefund inserts a refund if the intent still has room for it.
func (s *Store) CreateRefund(ctx context.Context, r *domain.Refund, refundable int64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	var total int64
	for _, existing := range s.refunds {
		if existing.IntentID == r.IntentID && existing.Status != domain.RefundFailed {
			total += existing.Amount.Minor
		}
	}
	if total+r.Amount.Minor > refundable {
		return domain.ErrNotRefundable
	}
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

// UpdateRefund stores a refund's new status.
func (s *Store) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	defer s.lock(ctx)()

	if _, ok := s.refunds[r.ID]; !ok {
		return domain.ErrNotRefundable
	}
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

// ListRefunds returns an intent's refunds, oldest first.
func (s *Store) ListRefunds(ctx context.Context, intentID string) ([]*domain.Refund, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()

	var out []*domain.Refund
	for _, r := range s.refunds {
		if r.IntentID == intentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
