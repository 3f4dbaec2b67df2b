package credguard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wareops/credguard/internal"
	"github.com/wareops/credguard/internal/limiters"
	"github.com/wareops/credguard/internal/rate"
	"github.com/wareops/credguard/internal/stores"
	"github.com/wareops/credguard/mail"
)

const throttleScopeOTP = "otp"

func normalizeDestination(destination string) string {
	return strings.ToLower(strings.TrimSpace(destination))
}

// GenerateOTP mints a code for destination and mails it. Any previous code
// for the same destination and purpose stops working. The first code of a
// resend cycle starts the cooldown without counting as a resend; a later
// call inside the same cycle is gated exactly like ResendOTP. The cycle
// closes once a code is marked used or after the cycle window goes idle.
func (e *Engine) GenerateOTP(ctx context.Context, destination string, purpose Purpose) (OTPIssue, error) {
	return e.issueOTP(ctx, destination, purpose, false)
}

// ResendOTP is GenerateOTP gated by the resend cooldown and cap. The resend
// that reaches Resend.MaxResends is still delivered and starts the block.
func (e *Engine) ResendOTP(ctx context.Context, destination string, purpose Purpose) (OTPIssue, error) {
	return e.issueOTP(ctx, destination, purpose, true)
}

// ResendOTPByID resends for the destination and purpose of an existing
// record. Verified or used records cannot be resent.
func (e *Engine) ResendOTPByID(ctx context.Context, otpID string) (OTPIssue, error) {
	if !e.ready() {
		return OTPIssue{}, ErrEngineNotReady
	}
	if strings.TrimSpace(otpID) == "" {
		return OTPIssue{}, validationError("otp_id_required")
	}

	record, err := e.otps.Get(ctx, otpID)
	if err != nil {
		return OTPIssue{}, e.otpErr(ctx, err)
	}
	if record.State != stores.OTPStateCreated {
		return OTPIssue{}, ErrOTPAlreadyConsumed
	}
	return e.issueOTP(ctx, record.Destination, Purpose(record.Purpose), true)
}

func (e *Engine) issueOTP(ctx context.Context, destination string, purpose Purpose, resend bool) (OTPIssue, error) {
	if !e.ready() {
		return OTPIssue{}, ErrEngineNotReady
	}
	destination = normalizeDestination(destination)
	if destination == "" {
		return OTPIssue{}, validationError("destination_required")
	}
	if !purpose.valid() {
		return OTPIssue{}, validationError("purpose_invalid")
	}

	if err := e.throttle.Allow(ctx, throttleScopeOTP, clientIPFromContext(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricRateLimitHit)
			e.emitAudit(ctx, auditEventOTPRejected, false, "", destination, "", ErrRateLimited, nil)
			return OTPIssue{}, ErrRateLimited
		}
		e.logger.ErrorContext(ctx, "otp throttle failure", slog.Any("error", err))
		return OTPIssue{}, ErrResendUnavailable
	}

	now := e.now()
	state, err := e.resend.BeginSend(ctx, destination, string(purpose), resend, now)
	if err != nil {
		mapped := e.resendErr(ctx, err)
		if !errors.Is(mapped, ErrResendUnavailable) {
			e.emitAudit(ctx, auditEventOTPRejected, false, "", destination, "", mapped, func() map[string]string {
				return map[string]string{"purpose": string(purpose)}
			})
		}
		return OTPIssue{Resend: e.resendStatus(state), Message: e.resendMessage(mapped, state)}, mapped
	}
	// The governor counts a send inside an open cycle even when the caller
	// asked for a fresh one.
	if resend = state.Count > 0; resend {
		e.metricInc(MetricResendAllowed)
	}

	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		e.logger.ErrorContext(ctx, "otp generation failed", slog.Any("error", err))
		return OTPIssue{}, ErrOTPUnavailable
	}

	record := &stores.OTPRecord{
		ID:          uuid.NewString(),
		Purpose:     string(purpose),
		Destination: destination,
		Code:        code,
		State:       stores.OTPStateCreated,
		MaxAttempts: uint16(e.config.OTP.MaxAttempts),
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(e.config.OTP.TTL).UnixMilli(),
	}
	superseded, err := e.otps.Issue(ctx, record, now)
	if err != nil {
		return OTPIssue{}, e.otpErr(ctx, err)
	}

	msg := mail.OTPMessage(e.config.Delivery.AppName, destination, string(purpose), code, e.config.OTP.TTL)
	if err := e.deliver(ctx, msg); err != nil {
		if invErr := e.otps.Invalidate(ctx, record.ID); invErr != nil {
			e.logger.WarnContext(ctx, "undelivered otp left in place", slog.Any("error", invErr))
		}
		e.emitAudit(ctx, auditEventDeliveryFailed, false, "", destination, "", err, func() map[string]string {
			return map[string]string{"purpose": string(purpose)}
		})
		return OTPIssue{}, err
	}

	e.metricInc(MetricOTPIssued)
	e.emitAudit(ctx, auditEventOTPIssued, true, "", destination, "", nil, func() map[string]string {
		meta := map[string]string{"purpose": string(purpose), "otp_id": record.ID}
		if resend {
			meta["resend"] = "true"
		}
		if superseded != "" {
			meta["superseded"] = superseded
		}
		return meta
	})

	return OTPIssue{
		OTPID:     record.ID,
		ExpiresAt: time.UnixMilli(record.ExpiresAt),
		Resend:    e.resendStatus(state),
		Message:   "A verification code was sent to " + destination + ".",
	}, nil
}

// VerifyOTP checks code against the record. The order of checks is:
// already consumed, expired, locked, then the comparison. A wrong code burns
// one attempt and result.RemainingAttempts says how many are left.
func (e *Engine) VerifyOTP(ctx context.Context, otpID, code string) (VerifyResult, error) {
	remaining, err := e.verifyOTP(ctx, otpID, "", code)
	if err != nil {
		return VerifyResult{
			RemainingAttempts: remaining,
			Message:           describe(err, remaining, 0),
		}, err
	}
	return VerifyResult{Verified: true, Message: "Code verified."}, nil
}

func (e *Engine) verifyOTP(ctx context.Context, otpID string, purpose Purpose, code string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if strings.TrimSpace(otpID) == "" {
		return 0, validationError("otp_id_required")
	}

	record, err := e.otps.Verify(ctx, otpID, string(purpose), strings.TrimSpace(code), e.now())
	remaining := 0
	if record != nil {
		remaining = record.Remaining()
	}
	if err != nil {
		mapped := e.otpErr(ctx, err)
		switch {
		case errors.Is(mapped, ErrOTPMismatch):
			e.metricInc(MetricOTPMismatch)
		case errors.Is(mapped, ErrOTPExpired):
			e.metricInc(MetricOTPExpired)
		case errors.Is(mapped, ErrOTPLocked):
			e.metricInc(MetricOTPLocked)
		case errors.Is(mapped, ErrOTPAlreadyConsumed):
			e.metricInc(MetricOTPConsumed)
		}
		if !errors.Is(mapped, ErrOTPUnavailable) {
			e.emitAudit(ctx, auditEventOTPVerifyFailed, false, "", otpSubject(record), "", mapped, func() map[string]string {
				return map[string]string{"otp_id": otpID}
			})
		}
		return remaining, mapped
	}

	e.metricInc(MetricOTPVerified)
	e.emitAudit(ctx, auditEventOTPVerified, true, "", otpSubject(record), "", nil, func() map[string]string {
		return map[string]string{"otp_id": otpID, "purpose": record.Purpose}
	})
	return remaining, nil
}

func otpSubject(record *stores.OTPRecord) string {
	if record == nil {
		return ""
	}
	return record.Destination
}

// MarkOTPAsUsed consumes a verified record once the action it protects has
// completed, and closes the resend cycle of its destination and purpose. A
// record verified longer than OTP.VerifiedIdleTTL ago fails with ErrOTPExpired.
func (e *Engine) MarkOTPAsUsed(ctx context.Context, otpID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if strings.TrimSpace(otpID) == "" {
		return validationError("otp_id_required")
	}

	record, err := e.otps.MarkUsed(ctx, otpID, e.now())
	if err != nil {
		return e.otpErr(ctx, err)
	}

	if err := e.resend.Reset(ctx, record.Destination, record.Purpose); err != nil {
		e.logger.WarnContext(ctx, "resend cycle not reset", slog.Any("error", err))
	}
	e.emitAudit(ctx, auditEventOTPUsed, true, "", record.Destination, "", nil, func() map[string]string {
		return map[string]string{"otp_id": otpID, "purpose": record.Purpose}
	})
	return nil
}

// GetOTPData returns the full record, code included. It is meant for the
// delivery collaborator and must not be exposed to end users.
func (e *Engine) GetOTPData(ctx context.Context, otpID string) (OTPData, error) {
	if !e.ready() {
		return OTPData{}, ErrEngineNotReady
	}
	record, err := e.otps.Get(ctx, otpID)
	if err != nil {
		return OTPData{}, e.otpErr(ctx, err)
	}
	return OTPData{
		ID:           record.ID,
		Destination:  record.Destination,
		Purpose:      Purpose(record.Purpose),
		Code:         record.Code,
		CreatedAt:    time.UnixMilli(record.CreatedAt),
		ExpiresAt:    time.UnixMilli(record.ExpiresAt),
		Verified:     record.State != stores.OTPStateCreated,
		Used:         record.State == stores.OTPStateUsed,
		AttemptsUsed: int(record.Attempts),
		MaxAttempts:  int(record.MaxAttempts),
	}, nil
}

func (e *Engine) GetOTPStats(ctx context.Context) (OTPStats, error) {
	if !e.ready() {
		return OTPStats{}, ErrEngineNotReady
	}
	active, expired, err := e.otps.Stats(ctx, e.now())
	if err != nil {
		return OTPStats{}, e.otpErr(ctx, err)
	}
	return OTPStats{TotalActive: active, TotalExpired: expired}, nil
}

// CleanupExpiredOTPs deletes expired, locked and idle verified records.
func (e *Engine) CleanupExpiredOTPs(ctx context.Context) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	removed, err := e.otps.Cleanup(ctx, e.now())
	if err != nil {
		return removed, e.otpErr(ctx, err)
	}
	return removed, nil
}

// GetResendStatus is a read-only view of the resend cycle for the UI
// countdown. It never counts as a resend.
func (e *Engine) GetResendStatus(ctx context.Context, destination string, purpose Purpose) (ResendStatus, error) {
	if !e.ready() {
		return ResendStatus{}, ErrEngineNotReady
	}
	destination = normalizeDestination(destination)
	if destination == "" {
		return ResendStatus{}, validationError("destination_required")
	}
	if !purpose.valid() {
		return ResendStatus{}, validationError("purpose_invalid")
	}

	state, err := e.resend.Status(ctx, destination, string(purpose), e.now())
	if err != nil {
		return ResendStatus{}, e.resendErr(ctx, err)
	}
	return e.resendStatus(state), nil
}

func (e *Engine) resendStatus(state limiters.ResendState) ResendStatus {
	status := ResendStatus{
		CanResend:         state.CanResend,
		CooldownRemaining: time.Duration(ceilSeconds(state.CooldownRemaining)) * time.Second,
		BlockedUntil:      state.BlockedUntil,
		RemainingAttempts: state.Remaining,
	}
	switch {
	case !state.BlockedUntil.IsZero():
		status.Message = describe(ErrResendBlocked, 0, state.BlockedUntil.Sub(e.now()))
	case state.CooldownRemaining > 0:
		status.Message = describe(ErrResendCooldown, 0, state.CooldownRemaining)
	case state.Remaining == 0:
		status.Message = describe(ErrResendCapReached, 0, 0)
	}
	return status
}

func (e *Engine) resendMessage(err error, state limiters.ResendState) string {
	return describe(err, 0, e.resendWait(err, state))
}

// resendWait is how long a rejected sender has to wait before retrying.
func (e *Engine) resendWait(err error, state limiters.ResendState) time.Duration {
	switch {
	case errors.Is(err, ErrResendBlocked):
		if wait := state.BlockedUntil.Sub(e.now()); wait > 0 {
			return wait
		}
	case errors.Is(err, ErrResendCooldown):
		return state.CooldownRemaining
	}
	return 0
}

func (e *Engine) resendErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, limiters.ErrResendBlocked):
		e.metricInc(MetricResendBlocked)
		return ErrResendBlocked
	case errors.Is(err, limiters.ErrResendCooldown):
		e.metricInc(MetricResendCooldown)
		return ErrResendCooldown
	case errors.Is(err, limiters.ErrResendCapReached):
		e.metricInc(MetricResendBlocked)
		return ErrResendCapReached
	default:
		e.logger.ErrorContext(ctx, "resend governor failure", slog.Any("error", err))
		return ErrResendUnavailable
	}
}

func (e *Engine) otpErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, stores.ErrOTPNotFound):
		return ErrOTPNotFound
	case errors.Is(err, stores.ErrOTPExpired):
		return ErrOTPExpired
	case errors.Is(err, stores.ErrOTPMismatch):
		return ErrOTPMismatch
	case errors.Is(err, stores.ErrOTPLocked):
		return ErrOTPLocked
	case errors.Is(err, stores.ErrOTPConsumed):
		return ErrOTPAlreadyConsumed
	case errors.Is(err, stores.ErrOTPNotVerified):
		return ErrOTPNotVerified
	default:
		e.logger.ErrorContext(ctx, "otp store failure", slog.Any("error", err))
		return ErrOTPUnavailable
	}
}

// GetThrottleStatus reports how many codes ip has requested in the current
// throttle window. A disabled throttle reports zero requests.
func (e *Engine) GetThrottleStatus(ctx context.Context, ip string) (ThrottleStatus, error) {
	if !e.ready() {
		return ThrottleStatus{}, ErrEngineNotReady
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ThrottleStatus{}, validationError("ip_required")
	}

	status := ThrottleStatus{Limit: e.config.Throttle.MaxRequests}
	if !e.config.Throttle.Enabled {
		return status, nil
	}
	n, err := e.throttle.Count(ctx, throttleScopeOTP, ip)
	if err != nil {
		e.logger.ErrorContext(ctx, "otp throttle failure", slog.Any("error", err))
		return ThrottleStatus{}, ErrResendUnavailable
	}
	status.Requests = n
	status.Limited = n >= status.Limit
	return status, nil
}

// ClearThrottle forgets the code requests counted for ip, e.g. for a shared
// office address that ran out of budget.
func (e *Engine) ClearThrottle(ctx context.Context, ip string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return validationError("ip_required")
	}
	if err := e.throttle.Reset(ctx, throttleScopeOTP, ip); err != nil {
		e.logger.ErrorContext(ctx, "otp throttle failure", slog.Any("error", err))
		return ErrResendUnavailable
	}

	e.emitAudit(ctx, auditEventThrottleCleared, true, "", ip, "", nil, nil)
	return nil
}
