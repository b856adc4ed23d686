package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/payments/internal/core/domain"
)

// Duplicate delivery of a successful payment settles the booking once.
func TestScenarioDuplicateSuccessWebhook(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiateBooking(t, bookingB1)
	p := fakePayload{ID: "E1", Reference: "ref_" + res.IntentID, Outcome: "succeeded"}

	first := deliver(t, env.webhooks, p)
	second := deliver(t, env.webhooks, p)

	assert.Equal(t, WebhookProcessed, first.Disposition)
	assert.Equal(t, WebhookDuplicate, second.Disposition)
	assert.Equal(t, domain.PaymentSettled, env.owner(t, bookingB1).PaymentStatus)

	applied := env.store.AuditEntries(domain.AuditWebhookApplied)
	deduped := env.store.AuditEntries(domain.AuditWebhookDeduped)
	assert.Len(t, applied, 1)
	assert.Len(t, deduped, 1)
	assert.Len(t, env.store.Notifications(), 1)
}

// A checkout the provider never saw expires and leaves the booking payable.
func TestScenarioAbandonedCheckoutExpires(t *testing.T) {
	env := newTestEnv(t)
	b2 := domain.OwnerRef{Kind: domain.OwnerBooking, ID: "B2"}
	env.store.SeedOwner(domain.Owner{Kind: domain.OwnerBooking, ID: "B2", PriceMinor: 50000, Currency: "PHP"})
	res := env.initiateBooking(t, b2)

	env.clock.Advance(25 * time.Hour)
	report, err := env.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Expired)
	assert.Equal(t, domain.StatusExpired, env.intent(t, res.IntentID).Status)

	owner := env.owner(t, b2)
	assert.NotEqual(t, domain.PaymentSettled, owner.PaymentStatus)
	assert.Empty(t, owner.PaymentInProgress)

	again := env.initiateBooking(t, b2)
	assert.Equal(t, domain.StatusAwaitingProviderResult, again.Status)
}

// A trial converts to paid on its first settled payment and usage restarts.
func TestScenarioTrialConversion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()
	s1 := domain.OwnerRef{Kind: domain.OwnerSubscription, ID: "S1", PlanID: string(domain.TierPro)}
	env.store.SeedOwner(domain.Owner{
		Kind: domain.OwnerSubscription, ID: "S1", Currency: "PHP",
		Tier: domain.TierPro, Trial: true,
		PeriodStart: now.Add(-10 * 24 * time.Hour), PeriodEnd: now.Add(4 * 24 * time.Hour),
	})

	for i := 0; i < 5; i++ {
		_, err := env.ledger.TrackUsage(ctx, "S1", domain.FeatureBookings, 1)
		require.NoError(t, err)
	}

	env.clock.Advance(time.Minute)
	res, err := env.checkout.Initiate(ctx, InitiateRequest{
		Owner: s1, Purpose: domain.PurposeSubscriptionPayment,
		Amount: domain.Money{Minor: 29900, Currency: "PHP"}, Provider: domain.ProviderWalletA,
	})
	require.NoError(t, err)

	p := fakePayload{ID: "E_sub", Reference: "ref_" + res.IntentID, Outcome: "succeeded"}
	require.Equal(t, WebhookProcessed, deliver(t, env.webhooks, p).Disposition)

	owner := env.owner(t, s1)
	assert.False(t, owner.Trial)
	require.NotNil(t, owner.ConvertedAt)
	assert.Equal(t, env.clock.Now(), owner.PeriodStart)
	assert.True(t, owner.PeriodEnd.After(env.clock.Now().Add(domain.DefaultPeriod-time.Hour)))

	access, err := env.ledger.CheckAccess(ctx, "S1", domain.FeatureBookings)
	require.NoError(t, err)
	assert.Equal(t, int64(50), access.Remaining)

	assert.Equal(t, WebhookDuplicate, deliver(t, env.webhooks, p).Disposition)
	assert.Equal(t, owner, env.owner(t, s1))
}

// A forged signature never reaches the intent and raises an alert.
func TestScenarioForgedSignature(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiateBooking(t, bookingB1)
	before := env.intent(t, res.IntentID)

	body := webhookBody(t, fakePayload{ID: "E_forged", Reference: "ref_" + res.IntentID, Outcome: "succeeded"})
	headers := http.Header{}
	headers.Set("X-Test-Signature", sign([]byte("something else")))

	result := env.webhooks.Handle(context.Background(), domain.ProviderWalletA, body, headers)

	assert.GreaterOrEqual(t, result.HTTPStatus, 400)
	assert.Less(t, result.HTTPStatus, 500)
	assert.Equal(t, before, env.intent(t, res.IntentID))

	alerts := env.store.AuditEntries(domain.AuditSignatureFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityAlert, alerts[0].Severity)
}
