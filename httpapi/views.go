package httpapi

import (
	"time"

	"github.com/wareops/credguard"
)

type attemptView struct {
	Blocked               bool   `json:"blocked"`
	RemainingAttempts     int    `json:"remaining_attempts"`
	BlockSecondsRemaining int    `json:"block_seconds_remaining,omitempty"`
	Message               string `json:"message,omitempty"`
}

func newAttemptView(s credguard.AttemptStatus) attemptView {
	return attemptView{
		Blocked:               s.Blocked,
		RemainingAttempts:     s.RemainingAttempts,
		BlockSecondsRemaining: seconds(s.BlockTimeRemaining),
		Message:               s.Message,
	}
}

type resendView struct {
	CanResend         bool       `json:"can_resend"`
	CooldownSeconds   int        `json:"cooldown_seconds"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	RemainingAttempts int        `json:"remaining_attempts"`
	Message           string     `json:"message,omitempty"`
}

func newResendView(s credguard.ResendStatus) resendView {
	v := resendView{
		CanResend:         s.CanResend,
		CooldownSeconds:   seconds(s.CooldownRemaining),
		RemainingAttempts: s.RemainingAttempts,
		Message:           s.Message,
	}
	if !s.BlockedUntil.IsZero() {
		until := s.BlockedUntil.UTC()
		v.BlockedUntil = &until
	}
	return v
}

type issueView struct {
	OTPID     string     `json:"otp_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Resend    resendView `json:"resend"`
	Message   string     `json:"message,omitempty"`
}

func newIssueView(i credguard.OTPIssue) issueView {
	v := issueView{
		OTPID:   i.OTPID,
		Resend:  newResendView(i.Resend),
		Message: i.Message,
	}
	if !i.ExpiresAt.IsZero() {
		at := i.ExpiresAt.UTC()
		v.ExpiresAt = &at
	}
	return v
}

type flowView struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Step        string      `json:"step"`
	Destination string      `json:"destination,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Resend      *resendView `json:"resend,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func newFlowView(s credguard.FlowState) flowView {
	v := flowView{
		ID:          s.ID,
		Kind:        string(s.Kind),
		Step:        s.Step,
		Destination: s.Destination,
		Error:       s.Error,
		ErrorCode:   s.ErrorCode,
		UpdatedAt:   s.UpdatedAt.UTC(),
	}
	if s.Resend != nil {
		r := newResendView(*s.Resend)
		v.Resend = &r
	}
	return v
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
