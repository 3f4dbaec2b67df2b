package credguard

import (
	"errors"
	"strings"
)

// Login outcomes.
var (
	ErrAccountBlocked     = errors.New("account temporarily blocked")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is not active")
	ErrUserNotFound       = errors.New("user not found")
)

// OTP outcomes.
var (
	ErrOTPNotFound        = errors.New("otp not found")
	ErrOTPExpired         = errors.New("otp expired")
	ErrOTPMismatch        = errors.New("otp mismatch")
	ErrOTPLocked          = errors.New("otp locked")
	ErrOTPAlreadyConsumed = errors.New("otp already consumed")
	// ErrOTPNotVerified is returned when a code is marked used before it was verified.
	ErrOTPNotVerified = errors.New("otp not verified")
)

// Resend outcomes.
var (
	ErrResendCooldown   = errors.New("resend cooldown active")
	ErrResendCapReached = errors.New("resend cap reached")
	ErrResendBlocked    = errors.New("resend blocked")
)

// Flow, delivery and validation outcomes.
var (
	// ErrDeliveryFailed hides the mail transport cause, which is logged instead.
	ErrDeliveryFailed        = errors.New("failed to send")
	ErrValidationFailed      = errors.New("validation failed")
	ErrPasswordReuse         = errors.New("new password must differ from the current one")
	ErrAccountNotFound       = errors.New("no account found for this email")
	ErrFlowNotFound          = errors.New("flow not found")
	ErrFlowStep              = errors.New("flow is not at this step")
	ErrFlowCancelUnconfirmed = errors.New("cancel must be confirmed past the first step")
	ErrApprovalInvalid       = errors.New("approval token invalid")
	ErrRateLimited           = errors.New("too many requests")
)

// Backend failures. They never carry store details to the caller.
var (
	ErrEngineNotReady       = errors.New("engine not ready")
	ErrLedgerUnavailable    = errors.New("attempt ledger unavailable")
	ErrOTPUnavailable       = errors.New("otp store unavailable")
	ErrResendUnavailable    = errors.New("resend governor unavailable")
	ErrFlowUnavailable      = errors.New("flow store unavailable")
	ErrUserStoreUnavailable = errors.New("user store unavailable")
)

// ValidationError lists the rules an input violated. It matches
// [ErrValidationFailed] with errors.Is.
type ValidationError struct {
	Rules []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Rules) == 0 {
		return ErrValidationFailed.Error()
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(e.Rules, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func validationError(rules ...string) error {
	return &ValidationError{Rules: rules}
}
