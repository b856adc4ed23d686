package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitFor(t *testing.T) {
	tests := []struct {
		name    string
		tier    Tier
		feature string
		want    int64
		wantErr error
	}{
		{name: "free bookings", tier: TierFree, feature: FeatureBookings, want: 3},
		{name: "pro listings", tier: TierPro, feature: FeatureListings, want: 10},
		{name: "business unlimited", tier: TierBusiness, feature: FeatureMessages, want: Unlimited},
		{name: "unknown tier falls back to free", tier: Tier("gold"), feature: FeatureBookings, want: 3},
		{name: "unknown feature", tier: TierPro, feature: "teleport", wantErr: ErrFeatureNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LimitFor(tt.tier, tt.feature)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUsagePeriodStart(t *testing.T) {
	now := time.Date(2026, 5, 17, 8, 30, 0, 0, time.UTC)

	t.Run("active paid period", func(t *testing.T) {
		start := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
		o := &Owner{PeriodStart: start, PeriodEnd: start.Add(DefaultPeriod)}
		assert.Equal(t, start, UsagePeriodStart(o, now))
	})

	t.Run("no period uses calendar month", func(t *testing.T) {
		o := &Owner{}
		assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), UsagePeriodStart(o, now))
	})

	t.Run("ended period uses calendar month", func(t *testing.T) {
		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		o := &Owner{PeriodStart: start, PeriodEnd: start.Add(DefaultPeriod)}
		assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), UsagePeriodStart(o, now))
	})
}

func TestEffectiveTierDefaultsToFree(t *testing.T) {
	assert.Equal(t, TierFree, EffectiveTier(&Owner{}))
	assert.Equal(t, TierPro, EffectiveTier(&Owner{Tier: TierPro}))
}
