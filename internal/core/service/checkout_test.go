package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/payments/internal/core/domain"
)

func TestInitiateOpensSession(t *testing.T) {
	env := newTestEnv(t)

	res := env.initiateBooking(t, bookingB1)

	assert.Equal(t, domain.StatusAwaitingProviderResult, res.Status)
	assert.Equal(t, "https://pay.example/ref_"+res.IntentID, res.RedirectURL)

	intent := env.intent(t, res.IntentID)
	assert.Equal(t, "ref_"+res.IntentID, intent.ProviderReference)
	assert.Equal(t, int64(2), intent.Version)
	assert.Equal(t, 1, intent.AttemptCount)

	owner := env.owner(t, bookingB1)
	assert.Equal(t, res.IntentID, owner.PaymentInProgress)
	assert.Equal(t, domain.PaymentUnpaid, owner.PaymentStatus)

	assert.Len(t, env.store.AuditEntries(domain.AuditIntentCreated), 1)
}

func TestInitiateValidation(t *testing.T) {
	tests := []struct {
		name string
		req  InitiateRequest
		want error
	}{
		{
			name: "missing owner id",
			req: InitiateRequest{
				Owner: domain.OwnerRef{Kind: domain.OwnerBooking}, Purpose: domain.PurposeBookingPayment,
				Amount: php500, Provider: domain.ProviderWalletA,
			},
			want: domain.ErrValidation,
		},
		{
			name: "unknown provider",
			req: InitiateRequest{
				Owner: bookingB1, Purpose: domain.PurposeBookingPayment,
				Amount: php500, Provider: "cash",
			},
			want: domain.ErrValidation,
		},
		{
			name: "purpose and owner disagree",
			req: InitiateRequest{
				Owner: bookingB1, Purpose: domain.PurposeSubscriptionPayment,
				Amount: php500, Provider: domain.ProviderWalletA,
			},
			want: domain.ErrValidation,
		},
		{
			name: "wrong amount",
			req: InitiateRequest{
				Owner: bookingB1, Purpose: domain.PurposeBookingPayment,
				Amount: domain.Money{Minor: 100, Currency: "PHP"}, Provider: domain.ProviderWalletA,
			},
			want: domain.ErrAmountMismatch,
		},
		{
			name: "wrong currency",
			req: InitiateRequest{
				Owner: bookingB1, Purpose: domain.PurposeBookingPayment,
				Amount: domain.Money{Minor: 50000, Currency: "USD"}, Provider: domain.ProviderWalletA,
			},
			want: domain.ErrAmountMismatch,
		},
		{
			name: "missing owner",
			req: InitiateRequest{
				Owner: domain.OwnerRef{Kind: domain.OwnerBooking, ID: "nope"}, Purpose: domain.PurposeBookingPayment,
				Amount: php500, Provider: domain.ProviderWalletA,
			},
			want: domain.ErrOwnerNotFound,
		},
		{
			name: "provider not configured",
			req: InitiateRequest{
				Owner: bookingB1, Purpose: domain.PurposeBookingPayment,
				Amount: php500, Provider: domain.ProviderGlobalWallet,
			},
			want: domain.ErrUnknownProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.checkout.Initiate(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, env.store.AuditEntries(domain.AuditIntentCreated))
			assert.Empty(t, env.owner(t, bookingB1).PaymentInProgress)
		})
	}
}

func TestInitiateRejectsSecondAttemptWhileInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.initiateBooking(t, bookingB1)

	_, err := env.checkout.Initiate(context.Background(), InitiateRequest{
		Owner: bookingB1, Purpose: domain.PurposeBookingPayment, Amount: php500, Provider: domain.ProviderWalletA,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)

	var svcErr *domain.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "PAYMENT_IN_PROGRESS", svcErr.Code)
}

func TestConcurrentInitiateKeepsOneNonTerminalIntent(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.checkout.Initiate(context.Background(), InitiateRequest{
				Owner: bookingB1, Purpose: domain.PurposeBookingPayment, Amount: php500, Provider: domain.ProviderWalletA,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflicts)
	assert.Equal(t, 1, env.adapter.sessions)
}

func TestInitiateProviderFailureFreesOwner(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.sessionErr = errors.New("gateway timeout")

	_, err := env.checkout.Initiate(context.Background(), InitiateRequest{
		Owner: bookingB1, Purpose: domain.PurposeBookingPayment, Amount: php500, Provider: domain.ProviderWalletA,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	var svcErr *domain.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, domain.GenericPaymentMessage, svcErr.Message)

	created := env.store.AuditEntries(domain.AuditIntentCreated)
	require.Len(t, created, 1)
	intent := env.intent(t, created[0].IntentID)
	assert.Equal(t, domain.StatusFailed, intent.Status)
	assert.Contains(t, intent.FailureReason, "gateway timeout")
	assert.Equal(t, 1, intent.AttemptCount)

	owner := env.owner(t, bookingB1)
	assert.Empty(t, owner.PaymentInProgress)
	assert.Equal(t, domain.PaymentFailed, owner.PaymentStatus)

	env.adapter.sessionErr = nil
	res := env.initiateBooking(t, bookingB1)
	assert.Equal(t, domain.StatusAwaitingProviderResult, res.Status)
}

func TestInitiateRefusesPaidBooking(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiateBooking(t, bookingB1)
	_, err := env.settlement.Apply(context.Background(), res.IntentID, domain.OutcomeSucceeded, "test", nil)
	require.NoError(t, err)

	_, err = env.checkout.Initiate(context.Background(), InitiateRequest{
		Owner: bookingB1, Purpose: domain.PurposeBookingPayment, Amount: php500, Provider: domain.ProviderWalletA,
	})
	var svcErr *domain.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "ALREADY_PAID", svcErr.Code)
}

func TestInitiateSubscriptionPricedFromPlan(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedOwner(domain.Owner{Kind: domain.OwnerSubscription, ID: "S1", Currency: "PHP", Tier: domain.TierFree})
	ref := domain.OwnerRef{Kind: domain.OwnerSubscription, ID: "S1", PlanID: string(domain.TierPro)}

	_, err := env.checkout.Initiate(context.Background(), InitiateRequest{
		Owner: ref, Purpose: domain.PurposeSubscriptionPayment,
		Amount: domain.Money{Minor: 99900, Currency: "PHP"}, Provider: domain.ProviderWalletA,
	})
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)

	res, err := env.checkout.Initiate(context.Background(), InitiateRequest{
		Owner: ref, Purpose: domain.PurposeSubscriptionPayment,
		Amount: domain.Money{Minor: 29900, Currency: "PHP"}, Provider: domain.ProviderWalletA,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingProviderResult, res.Status)
}

func TestGetUnknownIntent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.checkout.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}
