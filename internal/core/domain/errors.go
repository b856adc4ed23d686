// Package domain contains the core business entities for the payment service.
package domain

import "errors"

// Domain errors - represent business rule violations.
var (
	// ErrValidation is returned for malformed or incomplete requests.
	ErrValidation = errors.New("validation failed")

	// ErrAmountMismatch is returned when the requested amount differs from the owner's price.
	ErrAmountMismatch = errors.New("amount does not match authoritative price")

	// ErrConflict is returned when another payment is already in progress for the owner.
	ErrConflict = errors.New("payment already in progress")

	// ErrSignatureInvalid is returned when a webhook signature does not verify.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrProviderUnavailable is returned on transport, timeout or 5xx errors from a provider.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrProviderDeclined is returned when a provider definitively refuses a request.
	ErrProviderDeclined = errors.New("payment provider declined")

	// ErrUnknownProvider is returned when no adapter is registered for a provider.
	ErrUnknownProvider = errors.New("unknown payment provider")

	ErrIntentNotFound  = errors.New("payment intent not found")
	ErrOwnerNotFound   = errors.New("owner not found")
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrStaleIntent is returned when a compare-and-swap on an intent loses the race.
	ErrStaleIntent = errors.New("payment intent was modified concurrently")

	// ErrInvalidTransition is returned when the state machine forbids a transition.
	ErrInvalidTransition = errors.New("invalid payment intent transition")

	// ErrDuplicateEvent is returned when a webhook event id was already recorded.
	ErrDuplicateEvent = errors.New("webhook event already recorded")

	ErrNotRefundable = errors.New("payment intent is not refundable")
	ErrRefundFailed  = errors.New("refund failed")

	// ErrLimitExceeded is returned when usage tracking would exceed the plan limit.
	ErrLimitExceeded = errors.New("usage limit exceeded")
)

// GenericPaymentMessage is the only failure detail shown to payers.
const GenericPaymentMessage = "payment could not be completed, please try again"

// ServiceError wraps errors with a user-facing message and a stable code.
type ServiceError struct {
	Err     error
	Message string
	Code    string
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(err error, message, code string) *ServiceError {
	return &ServiceError{Err: err, Message: message, Code: code}
}
