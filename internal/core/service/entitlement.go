package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// EnforcementMode controls what happens when usage would pass a limit.
type EnforcementMode string

const (
	// EnforceHard rejects the increment with domain.ErrLimitExceeded.
	EnforceHard EnforcementMode = "hard"
	// EnforceSoft records the usage and flags the record.
	EnforceSoft EnforcementMode = "soft"
)

// Access is the answer to a feature-gating check.
type Access struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Limit     int64  `json:"limit"`
	Unlimited bool   `json:"unlimited"`
	Tier      string `json:"tier"`
}

// EntitlementService answers feature checks and tracks metered usage.
type EntitlementService struct {
	owners ports.OwnerStore
	usage  ports.UsageStore
	audit  ports.AuditSink
	log    *slog.Logger
	mode   EnforcementMode
	now    func() time.Time
}

// NewEntitlementService creates a new entitlement ledger.
func NewEntitlementService(owners ports.OwnerStore, usage ports.UsageStore, audit ports.AuditSink, log *slog.Logger, mode EnforcementMode) *EntitlementService {
	if mode != EnforceSoft {
		mode = EnforceHard
	}
	return &EntitlementService{owners: owners, usage: usage, audit: audit, log: log, mode: mode, now: time.Now}
}

// CheckAccess reports whether a subscription may use a feature right now.
func (s *EntitlementService) CheckAccess(ctx context.Context, subscriptionID, featureKey string) (*Access, error) {
	owner, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	feature, ok := domain.Features[featureKey]
	if !ok {
		return nil, domain.NewServiceError(domain.ErrFeatureNotFound, "unknown feature "+featureKey, "FEATURE_NOT_FOUND")
	}

	tier := domain.EffectiveTier(owner)
	limit, _ := domain.LimitFor(tier, featureKey)
	access := &Access{Limit: limit, Tier: string(tier)}

	if !feature.Metered {
		access.Allowed = limit != 0
		return access, nil
	}
	if limit == domain.Unlimited {
		access.Allowed = true
		access.Unlimited = true
		access.Remaining = domain.Unlimited
		return access, nil
	}

	record, err := s.usage.GetUsage(ctx, subscriptionID, featureKey, domain.UsagePeriodStart(owner, s.now()))
	if err != nil {
		return nil, err
	}
	access.Remaining = limit - record.Consumed
	if access.Remaining < 0 {
		access.Remaining = 0
	}
	access.Allowed = record.Consumed < limit
	return access, nil
}

// TrackUsage adds amount to a metered feature's counter for the current period.
func (s *EntitlementService) TrackUsage(ctx context.Context, subscriptionID, featureKey string, amount int64) (*domain.UsageRecord, error) {
	if amount <= 0 {
		return nil, domain.NewServiceError(domain.ErrValidation, "amount must be positive", "VALIDATION_ERROR")
	}
	owner, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	feature, ok := domain.Features[featureKey]
	if !ok {
		return nil, domain.NewServiceError(domain.ErrFeatureNotFound, "unknown feature "+featureKey, "FEATURE_NOT_FOUND")
	}
	if !feature.Metered {
		return nil, domain.NewServiceError(domain.ErrValidation, featureKey+" is not metered", "VALIDATION_ERROR")
	}

	now := s.now()
	limit, _ := domain.LimitFor(domain.EffectiveTier(owner), featureKey)
	record, err := s.usage.IncrementUsage(ctx, subscriptionID, featureKey,
		domain.UsagePeriodStart(owner, now), amount, limit, s.mode == EnforceSoft)
	if errors.Is(err, domain.ErrLimitExceeded) {
		return nil, domain.NewServiceError(err, fmt.Sprintf("%s limit of %d reached", featureKey, limit), "LIMIT_EXCEEDED")
	}
	if err != nil {
		return nil, err
	}

	if record.Flagged && limit != domain.Unlimited && record.Consumed > limit && record.Consumed-amount <= limit {
		s.log.Warn("usage exceeded plan limit", "subscription_id", subscriptionID, "feature", featureKey,
			"consumed", record.Consumed, "limit", limit)
		entry := newAuditEntry("entitlements", domain.AuditUsageOverLimit, "", domain.SeverityInfo, now)
		entry.Metadata = map[string]string{
			"subscription_id": subscriptionID,
			"feature":         featureKey,
			"consumed":        strconv.FormatInt(record.Consumed, 10),
			"limit":           strconv.FormatInt(limit, 10),
		}
		if err := s.audit.Append(ctx, entry); err != nil {
			s.log.Error("audit append failed", "subscription_id", subscriptionID, "err", err)
		}
	}
	return record, nil
}

// ActivatePeriod starts or extends a paid period for tier, converts a trial
// to paid and opens fresh usage counters. It runs inside the settlement
// transaction and mutates owner in place; the caller saves it.
func (s *EntitlementService) ActivatePeriod(ctx context.Context, owner *domain.Owner, tier domain.Tier, now time.Time) error {
	if tier == "" {
		tier = owner.Tier
	}
	plan := domain.PlanFor(tier)
	start := now.UTC()
	end := start.Add(plan.Period)
	if owner.Tier == plan.Tier && owner.PeriodEnd.After(start) {
		end = owner.PeriodEnd.Add(plan.Period)
	}

	owner.Tier = plan.Tier
	owner.PeriodStart = start
	owner.PeriodEnd = end
	if owner.Trial && owner.ConvertedAt == nil {
		converted := start
		owner.ConvertedAt = &converted
	}
	owner.Trial = false

	return s.usage.ResetUsage(ctx, owner.ID, start, plan.Limits)
}

// Lapse drops a subscription whose period ended to the free tier.
func (s *EntitlementService) Lapse(ctx context.Context, owner *domain.Owner) error {
	now := s.now()
	previous := owner.Tier
	owner.Tier = domain.TierFree
	owner.UpdatedAt = now
	if err := s.owners.SaveOwner(ctx, owner); err != nil {
		return err
	}

	entry := newAuditEntry(ActorScanner, domain.AuditOwnerLapsed, owner.PaymentIntentID, domain.SeverityInfo, now)
	entry.Before = string(previous)
	entry.After = string(domain.TierFree)
	entry.Metadata = map[string]string{"subscription_id": owner.ID, "period_end": owner.PeriodEnd.Format(time.RFC3339)}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", "subscription_id", owner.ID, "err", err)
	}
	s.log.Info("subscription lapsed to free tier", "subscription_id", owner.ID, "previous_tier", previous)
	return nil
}

func (s *EntitlementService) subscription(ctx context.Context, id string) (*domain.Owner, error) {
	owner, err := s.owners.GetOwner(ctx, domain.OwnerRef{Kind: domain.OwnerSubscription, ID: id})
	if errors.Is(err, domain.ErrOwnerNotFound) {
		return nil, domain.NewServiceError(err, "subscription not found", "SUBSCRIPTION_NOT_FOUND")
	}
	return owner, err
}
