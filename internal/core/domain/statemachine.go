package domain

import "time"

// IntentStatus is the state of a payment intent.
type IntentStatus string

const (
	StatusCreated                IntentStatus = "created"
	StatusAwaitingProviderResult IntentStatus = "awaiting_provider_result"
	StatusSettled                IntentStatus = "settled"
	StatusFailed                 IntentStatus = "failed"
	StatusRejected               IntentStatus = "rejected"
	StatusExpired                IntentStatus = "expired"
)

// NonTerminalStatuses lists the states an intent can still leave.
var NonTerminalStatuses = []IntentStatus{StatusCreated, StatusAwaitingProviderResult}

// transitions is the complete edge set. Terminal states have no entry.
var transitions = map[IntentStatus][]IntentStatus{
	StatusCreated: {
		StatusAwaitingProviderResult,
		StatusFailed,
		StatusRejected,
		StatusExpired,
	},
	StatusAwaitingProviderResult: {
		StatusSettled,
		StatusFailed,
		StatusRejected,
		StatusExpired,
	},
}

// Terminal reports whether no further transition is allowed.
func (s IntentStatus) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Valid reports whether s is a known status.
func (s IntentStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingProviderResult, StatusSettled,
		StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to IntentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OwnerStatusFor maps a terminal intent status onto the owner's payment status.
func OwnerStatusFor(s IntentStatus) OwnerPaymentStatus {
	switch s {
	case StatusSettled:
		return PaymentSettled
	case StatusFailed:
		return PaymentFailed
	case StatusRejected:
		return PaymentRejected
	case StatusExpired:
		return PaymentExpired
	}
	return PaymentUnpaid
}

// Transition is a compare-and-swap request against a stored intent.
// It only applies when the stored status and version still match.
type Transition struct {
	IntentID string
	From     IntentStatus
	Version  int64
	To       IntentStatus
	// Reference is written once, only when the intent has none yet.
	Reference string
	Reason    string
	At        time.Time
	// Attempt marks the transition that records a provider session
	// attempt. Only these bump AttemptCount.
	Attempt bool
}

// Apply mutates intent as the store would after a successful swap.
func (t Transition) Apply(intent *PaymentIntent) {
	intent.Status = t.To
	intent.Version++
	intent.LastTransitionAt = t.At
	if t.Attempt {
		intent.AttemptCount++
	}
	if t.Reason != "" {
		intent.FailureReason = t.Reason
	}
	if t.Reference != "" && intent.ProviderReference == "" {
		intent.ProviderReference = t.Reference
	}
}
