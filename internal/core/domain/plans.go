package domain

import "time"

// Tier names a subscription plan.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Unlimited marks a metered feature without a cap.
const Unlimited int64 = -1

// Feature keys gated by plan tier.
const (
	FeatureBookings        = "bookings"
	FeatureListings        = "listings"
	FeatureMessages        = "messages"
	FeatureFeaturedListing = "featured_listing"
	FeatureAnalytics       = "analytics"
)

// Feature describes how a key is gated.
// Boolean features are on when their limit is non-zero.
type Feature struct {
	Key     string
	Metered bool
}

// Features is the catalogue of gated features.
var Features = map[string]Feature{
	FeatureBookings:        {Key: FeatureBookings, Metered: true},
	FeatureListings:        {Key: FeatureListings, Metered: true},
	FeatureMessages:        {Key: FeatureMessages, Metered: true},
	FeatureFeaturedListing: {Key: FeatureFeaturedListing},
	FeatureAnalytics:       {Key: FeatureAnalytics},
}

// Plan is a tier's price and feature limits.
type Plan struct {
	Tier       Tier
	PriceMinor int64
	Period     time.Duration
	Limits     map[string]int64
}

// DefaultPeriod is the length of a paid subscription period.
const DefaultPeriod = 30 * 24 * time.Hour

// Plans is the tier table. Prices are in the catalogue currency's minor units.
var Plans = map[Tier]Plan{
	TierFree: {
		Tier:   TierFree,
		Period: DefaultPeriod,
		Limits: map[string]int64{
			FeatureBookings:        3,
			FeatureListings:        1,
			FeatureMessages:        20,
			FeatureFeaturedListing: 0,
			FeatureAnalytics:       0,
		},
	},
	TierPro: {
		Tier:       TierPro,
		PriceMinor: 29900,
		Period:     DefaultPeriod,
		Limits: map[string]int64{
			FeatureBookings:        50,
			FeatureListings:        10,
			FeatureMessages:        500,
			FeatureFeaturedListing: 1,
			FeatureAnalytics:       0,
		},
	},
	TierBusiness: {
		Tier:       TierBusiness,
		PriceMinor: 99900,
		Period:     DefaultPeriod,
		Limits: map[string]int64{
			FeatureBookings:        Unlimited,
			FeatureListings:        Unlimited,
			FeatureMessages:        Unlimited,
			FeatureFeaturedListing: 1,
			FeatureAnalytics:       1,
		},
	},
}

// PlanFor returns the plan for a tier, falling back to the free tier.
func PlanFor(t Tier) Plan {
	if p, ok := Plans[t]; ok {
		return p
	}
	return Plans[TierFree]
}

// LimitFor returns a feature limit for a tier.
func LimitFor(t Tier, featureKey string) (int64, error) {
	if _, ok := Features[featureKey]; !ok {
		return 0, ErrFeatureNotFound
	}
	return PlanFor(t).Limits[featureKey], nil
}

// EffectiveTier is the tier a subscription currently grants.
// Expired periods keep their tier until the scanner lapses them.
func EffectiveTier(o *Owner) Tier {
	if o.Tier == "" {
		return TierFree
	}
	return o.Tier
}

// UsagePeriodStart returns the start of the usage period in effect at now.
// Paid periods use the subscription's period; otherwise calendar months apply.
func UsagePeriodStart(o *Owner, now time.Time) time.Time {
	if !o.PeriodStart.IsZero() && now.Before(o.PeriodEnd) && !now.Before(o.PeriodStart) {
		return o.PeriodStart.UTC()
	}
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
