package credguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wareops/credguard/internal/audit"
	"github.com/wareops/credguard/password"
)

const (
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventLoginBlocked        = "login_blocked"
	auditEventLockoutTriggered    = "lockout_triggered"
	auditEventAttemptsCleared     = "attempts_cleared"
	auditEventThrottleCleared     = "throttle_cleared"
	auditEventOTPIssued           = "otp_issued"
	auditEventOTPRejected         = "otp_rejected"
	auditEventOTPVerified         = "otp_verified"
	auditEventOTPVerifyFailed     = "otp_verify_failed"
	auditEventOTPUsed             = "otp_used"
	auditEventDeliveryFailed      = "delivery_failed"
	auditEventFlowStart           = "flow_start"
	auditEventFlowStep            = "flow_step"
	auditEventFlowComplete        = "flow_complete"
	auditEventFlowCancel          = "flow_cancel"
	auditEventFlowNotify          = "flow_notify"
	auditEventRegistrationDecided = "registration_decided"
	auditEventMaintenance         = "maintenance_run"
)

// ErrorCode is the stable, machine-readable name of an outcome. It is what
// audit events, flow states and the HTTP layer report.
type ErrorCode string

const (
	CodeNone               ErrorCode = ""
	CodeAccountBlocked     ErrorCode = "account_blocked"
	CodeInvalidCredentials ErrorCode = "invalid_credentials"
	CodeAccountInactive    ErrorCode = "account_inactive"
	CodeOTPNotFound        ErrorCode = "otp_not_found"
	CodeOTPExpired         ErrorCode = "otp_expired"
	CodeOTPMismatch        ErrorCode = "otp_mismatch"
	CodeOTPLocked          ErrorCode = "otp_locked"
	CodeOTPConsumed        ErrorCode = "otp_consumed"
	CodeOTPNotVerified     ErrorCode = "otp_not_verified"
	CodeResendCooldown     ErrorCode = "resend_cooldown"
	CodeResendCapReached   ErrorCode = "resend_cap_reached"
	CodeResendBlocked      ErrorCode = "resend_blocked"
	CodeDeliveryFailed     ErrorCode = "delivery_failed"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodePasswordReuse      ErrorCode = "password_reuse"
	CodeAccountNotFound    ErrorCode = "account_not_found"
	CodeFlowNotFound       ErrorCode = "flow_not_found"
	CodeFlowStep           ErrorCode = "flow_step"
	CodeCancelUnconfirmed  ErrorCode = "cancel_unconfirmed"
	CodeApprovalInvalid    ErrorCode = "approval_invalid"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeUnavailable        ErrorCode = "unavailable"
)

// CodeOf maps err to its ErrorCode. Unknown errors are reported as
// unavailable so no backend detail leaks.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrAccountBlocked):
		return CodeAccountBlocked
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrAccountInactive):
		return CodeAccountInactive
	case errors.Is(err, ErrOTPNotFound):
		return CodeOTPNotFound
	case errors.Is(err, ErrOTPExpired):
		return CodeOTPExpired
	case errors.Is(err, ErrOTPMismatch):
		return CodeOTPMismatch
	case errors.Is(err, ErrOTPLocked):
		return CodeOTPLocked
	case errors.Is(err, ErrOTPAlreadyConsumed):
		return CodeOTPConsumed
	case errors.Is(err, ErrOTPNotVerified):
		return CodeOTPNotVerified
	case errors.Is(err, ErrResendCooldown):
		return CodeResendCooldown
	case errors.Is(err, ErrResendCapReached):
		return CodeResendCapReached
	case errors.Is(err, ErrResendBlocked):
		return CodeResendBlocked
	case errors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrPasswordReuse):
		return CodePasswordReuse
	case errors.Is(err, ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, ErrFlowNotFound):
		return CodeFlowNotFound
	case errors.Is(err, ErrFlowStep):
		return CodeFlowStep
	case errors.Is(err, ErrFlowCancelUnconfirmed):
		return CodeCancelUnconfirmed
	case errors.Is(err, ErrApprovalInvalid):
		return CodeApprovalInvalid
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeUnavailable
	}
}

var ruleText = map[string]string{
	password.RuleMinLength:    "password is too short",
	password.RuleMaxLength:    "password is too long",
	password.RuleUppercase:    "password needs an uppercase letter",
	password.RuleLowercase:    "password needs a lowercase letter",
	password.RuleDigit:        "password needs a digit",
	password.RuleSymbol:       "password needs a symbol",
	password.RuleConfirmation: "passwords do not match",
	"username_taken":          "username is already taken",
	"email_taken":             "email is already registered",
	"username_required":       "username is required",
	"username_format":         "username must be 3-32 letters or digits",
	"email_required":          "email is required",
	"email_format":            "email is not valid",
	"full_name_required":      "full name is required",
	"full_name_format":        "full name is too long",
}

// MessageFor renders the user-facing message for err. Results returned by
// the engine carry a more precise Message where attempts or waits apply.
func MessageFor(err error) string {
	return describe(err, 0, 0)
}

// describe renders the user-facing message for err. Messages are display
// only; callers branch on the error or its code.
func describe(err error, remaining int, wait time.Duration) string {
	switch CodeOf(err) {
	case CodeNone:
		return ""
	case CodeAccountBlocked:
		return "Too many failed attempts. Try again in " + formatWait(wait) + "."
	case CodeInvalidCredentials:
		return fmt.Sprintf("Invalid credentials. %s remaining.", plural(remaining, "attempt"))
	case CodeAccountInactive:
		return "This account is not active."
	case CodeOTPNotFound:
		return "No code was found. Request a new one."
	case CodeOTPExpired:
		return "The code has expired. Request a new one."
	case CodeOTPMismatch:
		if remaining <= 0 {
			return "Incorrect code. No attempts remaining; request a new code."
		}
		return fmt.Sprintf("Incorrect code. %s remaining.", plural(remaining, "attempt"))
	case CodeOTPLocked:
		return "Too many incorrect attempts. Request a new code."
	case CodeOTPConsumed:
		return "This code has already been used."
	case CodeOTPNotVerified:
		return "The code has not been verified."
	case CodeResendCooldown:
		return fmt.Sprintf("Please wait %s before requesting a new code.", plural(ceilSeconds(wait), "second"))
	case CodeResendCapReached:
		return "Resend limit reached. Start over later."
	case CodeResendBlocked:
		return "Too many resend requests. Try again in " + formatWait(wait) + "."
	case CodeDeliveryFailed:
		return "Failed to send. Please try again."
	case CodeValidationFailed:
		var verr *ValidationError
		if errors.As(err, &verr) && len(verr.Rules) > 0 {
			parts := make([]string, 0, len(verr.Rules))
			for _, rule := range verr.Rules {
				if text, ok := ruleText[rule]; ok {
					parts = append(parts, text)
				} else {
					parts = append(parts, strings.ReplaceAll(rule, "_", " "))
				}
			}
			return "Please check your input: " + strings.Join(parts, "; ") + "."
		}
		return "Please check your input."
	case CodePasswordReuse:
		return "The new password must differ from the current one."
	case CodeAccountNotFound:
		return "No account found for this email."
	case CodeFlowNotFound:
		return "This session has expired. Please start again."
	case CodeFlowStep:
		return "This step is no longer available."
	case CodeCancelUnconfirmed:
		return "Confirm to discard your progress."
	case CodeApprovalInvalid:
		return "This approval link is invalid or has expired."
	case CodeRateLimited:
		return "Too many requests. Please slow down."
	default:
		return "Something went wrong. Please try again."
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// formatWait renders d in whole minutes, or whole seconds under a minute.
// Both round up so the user never retries too early.
func formatWait(d time.Duration) string {
	if d < time.Minute {
		return plural(ceilSeconds(d), "second")
	}
	return plural(int((d+time.Minute-1)/time.Minute), "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, userID, subject, flowID string, err error, metadata func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}

	event := audit.Event{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Subject:   subject,
		FlowID:    flowID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
	}
	if err != nil {
		event.Error = string(CodeOf(err))
	}
	if metadata != nil {
		event.Metadata = metadata()
	}

	e.audit.Emit(ctx, event)
}
