package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to IntentStatus
		want     bool
	}{
		{StatusCreated, StatusAwaitingProviderResult, true},
		{StatusCreated, StatusFailed, true},
		{StatusCreated, StatusExpired, true},
		{StatusCreated, StatusSettled, false},
		{StatusAwaitingProviderResult, StatusSettled, true},
		{StatusAwaitingProviderResult, StatusRejected, true},
		{StatusAwaitingProviderResult, StatusCreated, false},
		{StatusSettled, StatusSettled, false},
		{StatusSettled, StatusFailed, false},
		{StatusFailed, StatusSettled, false},
		{StatusExpired, StatusSettled, false},
		{StatusRejected, StatusAwaitingProviderResult, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSettledIsReachableOnlyFromAwaiting(t *testing.T) {
	all := []IntentStatus{StatusCreated, StatusAwaitingProviderResult, StatusSettled, StatusFailed, StatusRejected, StatusExpired}
	for _, from := range all {
		if from == StatusAwaitingProviderResult {
			continue
		}
		assert.False(t, CanTransition(from, StatusSettled), "from %s", from)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusAwaitingProviderResult.Terminal())
	for _, s := range []IntentStatus{StatusSettled, StatusFailed, StatusRejected, StatusExpired} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestOutcomeTarget(t *testing.T) {
	s, ok := OutcomeSucceeded.Target()
	assert.True(t, ok)
	assert.Equal(t, StatusSettled, s)

	s, ok = OutcomeDeclined.Target()
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, s)

	s, ok = OutcomeErrored.Target()
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, s)

	_, ok = OutcomePending.Target()
	assert.False(t, ok)
}

func TestTransitionApplyKeepsFirstReference(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	intent := &PaymentIntent{Status: StatusCreated, ProviderReference: "cs_first", Version: 1}

	Transition{To: StatusAwaitingProviderResult, Reference: "cs_second", At: at}.Apply(intent)

	assert.Equal(t, "cs_first", intent.ProviderReference)
	assert.Equal(t, StatusAwaitingProviderResult, intent.Status)
	assert.Equal(t, int64(2), intent.Version)
	assert.Equal(t, at, intent.LastTransitionAt)
}

func TestTransitionApplyCountsOnlyAttempts(t *testing.T) {
	tests := []struct {
		name string
		t    Transition
		want int
	}{
		{name: "session opened", t: Transition{To: StatusAwaitingProviderResult, Reference: "cs_1", Attempt: true}, want: 1},
		{name: "settled by webhook", t: Transition{To: StatusSettled}, want: 0},
		{name: "expired by scanner", t: Transition{To: StatusExpired, Reason: "timeout"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := &PaymentIntent{Status: StatusCreated}
			tt.t.Apply(intent)
			assert.Equal(t, tt.want, intent.AttemptCount)
			assert.Equal(t, int64(1), intent.Version)
		})
	}
}

func TestFallbackEventIDIsStable(t *testing.T) {
	body := []byte(`{"status":"paid"}`)
	assert.Equal(t, FallbackEventID(body), FallbackEventID(body))
	assert.Contains(t, FallbackEventID(body), "hash:")
	assert.NotEqual(t, FallbackEventID(body), FallbackEventID([]byte(`{}`)))
}
