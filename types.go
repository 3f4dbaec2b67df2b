package credguard

import (
	"context"
	"time"
)

// Purpose scopes an OTP. Records are never accepted across purposes.
type Purpose string

const (
	PurposeRegistration  Purpose = "registration"
	PurposePasswordReset Purpose = "password-reset"
)

func (p Purpose) valid() bool {
	return p == PurposeRegistration || p == PurposePasswordReset
}

// FlowKind names one of the multi-step orchestrators.
type FlowKind string

const (
	FlowPasswordReset FlowKind = "password-reset"
	FlowRegistration  FlowKind = "registration"
)

// UserStatus is the lifecycle state of an account in the user store.
type UserStatus string

const (
	UserActive          UserStatus = "active"
	UserPendingApproval UserStatus = "pending-approval"
	UserRejected        UserStatus = "rejected"
	UserDisabled        UserStatus = "disabled"
)

// UserRecord is what the engine needs to know about an account.
type UserRecord struct {
	ID           string
	Username     string
	Email        string
	FullName     string
	PasswordHash string
	Status       UserStatus
	Verified     bool
	CreatedAt    time.Time
}

// NewUser is the input to [UserStore.CreateUser].
type NewUser struct {
	Username     string
	Email        string
	FullName     string
	PasswordHash string
	Status       UserStatus
	Verified     bool
}

// UserStore is the user-record collaborator. Lookups return
// [ErrUserNotFound] for unknown accounts; CreateUser returns a
// [*ValidationError] for a taken username or email.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (UserRecord, error)
	GetByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetByEmail(ctx context.Context, email string) (UserRecord, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, input NewUser) (UserRecord, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateStatus(ctx context.Context, userID string, status UserStatus) error
}

// AttemptStatus is the ledger's answer for one identity. Message is for
// display only; callers decide on Blocked.
type AttemptStatus struct {
	Blocked            bool
	RemainingAttempts  int
	BlockTimeRemaining time.Duration
	Message            string
}

// AttemptStats aggregates the ledger without naming identities.
type AttemptStats struct {
	TotalBlocked  int
	TotalAttempts int
}

// ThrottleStatus is the code request counter of one client address in the
// current throttle window.
type ThrottleStatus struct {
	Requests int
	Limit    int
	Limited  bool
}

// LoginResult is returned by [Engine.Login]. Attempt is filled on failure too.
type LoginResult struct {
	UserID   string
	Username string
	Attempt  AttemptStatus
}

// OTPIssue is the result of generating or resending a code. The code itself
// is never part of it.
type OTPIssue struct {
	OTPID     string
	ExpiresAt time.Time
	Resend    ResendStatus
	Message   string
}

// VerifyResult is returned by [Engine.VerifyOTP].
type VerifyResult struct {
	Verified          bool
	RemainingAttempts int
	Message           string
}

// OTPData is the full record, code included, for the delivery collaborator.
type OTPData struct {
	ID           string
	Destination  string
	Purpose      Purpose
	Code         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Verified     bool
	Used         bool
	AttemptsUsed int
	MaxAttempts  int
}

// OTPStats counts records without exposing them.
type OTPStats struct {
	TotalActive  int
	TotalExpired int
}

// ResendStatus drives the UI countdown. CooldownRemaining is rounded up to
// whole seconds.
type ResendStatus struct {
	CanResend         bool
	CooldownRemaining time.Duration
	BlockedUntil      time.Time
	RemainingAttempts int
	Message           string
}

// RegistrationDetails are the fields collected by the registration flow.
type RegistrationDetails struct {
	Username        string
	Email           string
	FullName        string
	Password        string
	ConfirmPassword string
}

// FlowState is what the UI renders for an in-flight flow.
type FlowState struct {
	ID          string
	Kind        FlowKind
	Step        string
	Destination string
	Error       string
	ErrorCode   string
	Resend      *ResendStatus
	UpdatedAt   time.Time
}

// MaintenanceReport summarizes one cleanup pass.
type MaintenanceReport struct {
	BlocksCleared int
	OTPsRemoved   int
}
