package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/payments/internal/core/domain"
)

func seedSubscription(env *testEnv, id string, tier domain.Tier) {
	now := env.clock.Now()
	owner := domain.Owner{Kind: domain.OwnerSubscription, ID: id, Currency: "PHP", Tier: tier}
	if tier != domain.TierFree {
		owner.PeriodStart = now.Add(-24 * time.Hour)
		owner.PeriodEnd = owner.PeriodStart.Add(domain.DefaultPeriod)
	}
	env.store.SeedOwner(owner)
}

func TestCheckAccess(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(env, "free", domain.TierFree)
	seedSubscription(env, "pro", domain.TierPro)
	seedSubscription(env, "biz", domain.TierBusiness)

	tests := []struct {
		name          string
		subscription  string
		feature       string
		wantAllowed   bool
		wantRemaining int64
		wantUnlimited bool
	}{
		{name: "free bookings", subscription: "free", feature: domain.FeatureBookings, wantAllowed: true, wantRemaining: 3},
		{name: "free featured listing", subscription: "free", feature: domain.FeatureFeaturedListing, wantAllowed: false},
		{name: "pro featured listing", subscription: "pro", feature: domain.FeatureFeaturedListing, wantAllowed: true},
		{name: "pro analytics", subscription: "pro", feature: domain.FeatureAnalytics, wantAllowed: false},
		{name: "business messages", subscription: "biz", feature: domain.FeatureMessages, wantAllowed: true, wantRemaining: domain.Unlimited, wantUnlimited: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access, err := env.ledger.CheckAccess(context.Background(), tt.subscription, tt.feature)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, access.Allowed)
			assert.Equal(t, tt.wantRemaining, access.Remaining)
			assert.Equal(t, tt.wantUnlimited, access.Unlimited)
		})
	}
}

func TestCheckAccessErrors(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(env, "free", domain.TierFree)

	_, err := env.ledger.CheckAccess(context.Background(), "missing", domain.FeatureBookings)
	assert.ErrorIs(t, err, domain.ErrOwnerNotFound)

	_, err = env.ledger.CheckAccess(context.Background(), "free", "teleport")
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}

func TestTrackUsageHardLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSubscription(env, "free", domain.TierFree)

	for i := 0; i < 3; i++ {
		_, err := env.ledger.TrackUsage(ctx, "free", domain.FeatureBookings, 1)
		require.NoError(t, err)
	}
	_, err := env.ledger.TrackUsage(ctx, "free", domain.FeatureBookings, 1)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	access, err := env.ledger.CheckAccess(ctx, "free", domain.FeatureBookings)
	require.NoError(t, err)
	assert.False(t, access.Allowed)
	assert.Equal(t, int64(0), access.Remaining)

	_, err = env.ledger.TrackUsage(ctx, "free", domain.FeatureAnalytics, 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.ledger.TrackUsage(ctx, "free", domain.FeatureBookings, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTrackUsageSoftLimitFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSubscription(env, "free", domain.TierFree)
	soft := NewEntitlementService(env.store, env.store, env.store, discardLogger(), EnforceSoft)
	soft.now = env.clock.Now

	var rec *domain.UsageRecord
	var err error
	for i := 0; i < 5; i++ {
		rec, err = soft.TrackUsage(ctx, "free", domain.FeatureBookings, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), rec.Consumed)
	assert.True(t, rec.Flagged)

	// Only the increment that crossed the limit is audited.
	assert.Len(t, env.store.AuditEntries(domain.AuditUsageOverLimit), 1)
}

func TestConcurrentTrackUsageNeverOvershoots(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(env, "pro", domain.TierPro)

	var wg sync.WaitGroup
	var ok, rejected int64
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.TrackUsage(context.Background(), "pro", domain.FeatureBookings, 1)
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, domain.ErrLimitExceeded):
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), ok)
	assert.Equal(t, int64(30), rejected)

	owner := env.owner(t, domain.OwnerRef{Kind: domain.OwnerSubscription, ID: "pro"})
	rec, err := env.store.GetUsage(context.Background(), "pro", domain.FeatureBookings, domain.UsagePeriodStart(owner, env.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(50), rec.Consumed)
}

func TestLapseDropsToFree(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(env, "pro", domain.TierPro)
	owner := env.owner(t, domain.OwnerRef{Kind: domain.OwnerSubscription, ID: "pro"})

	require.NoError(t, env.ledger.Lapse(context.Background(), owner))

	access, err := env.ledger.CheckAccess(context.Background(), "pro", domain.FeatureFeaturedListing)
	require.NoError(t, err)
	assert.False(t, access.Allowed)
	assert.Equal(t, string(domain.TierFree), access.Tier)
	assert.Len(t, env.store.AuditEntries(domain.AuditOwnerLapsed), 1)
}
