package flows

import (
	"context"
	"time"
)

const (
	KindPasswordReset = "password-reset"
	KindRegistration  = "registration"

	StepEmail       = "email"
	StepDetails     = "details"
	StepOTP         = "otp"
	StepNewPassword = "new-password"
	StepSuccess     = "success"

	// StepCompleting holds a flow while its final user store write runs.
	StepCompleting = "completing"
)

// Session is the server-side state of one in-flight flow.
type Session struct {
	ID           string
	Kind         string
	Step         string
	Destination  string
	UserID       string
	OTPID        string
	Username     string
	FullName     string
	PasswordHash string
	// OTPVerified is set when the code was accepted but the account could
	// not be created, so a retry does not need the code again.
	OTPVerified  bool
	// ClaimedFrom is the step a completing flow returns to if its write fails.
	ClaimedFrom  string
	LastError    string
	LastCode     string
	UpdatedAt    time.Time
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
}

type NewUser struct {
	Username     string
	Email        string
	FullName     string
	PasswordHash string
}

// Detail carries the numbers a failure message may need.
type Detail struct {
	RemainingAttempts int
	Wait              time.Duration
}

type Metrics struct {
	FlowStarted     int
	FlowCompleted   int
	FlowCancelled   int
	FlowStepFailure int
}

type Events struct {
	FlowStart    string
	FlowStep     string
	FlowComplete string
	FlowCancel   string
	FlowNotify   string
}

type Errors struct {
	EngineNotReady    error
	FlowNotFound      error
	WrongStep         error
	AccountNotFound   error
	PasswordReuse     error
	CancelUnconfirmed error
	Validation        func(rules ...string) error
}

// Deps is built once by the engine and shared by both orchestrators.
type Deps struct {
	NewID func() string

	CreateSession func(context.Context, Session) error
	LoadSession   func(context.Context, string) (Session, error)
	UpdateSession func(context.Context, string, func(*Session) error) (Session, error)
	DeleteSession func(context.Context, string) error

	// IssueOTP mints and delivers a code. On rejection the duration is how
	// long the caller has to wait.
	IssueOTP       func(ctx context.Context, destination, purpose string, resend bool) (string, time.Duration, error)
	VerifyOTP      func(ctx context.Context, otpID, purpose, code string) (int, error)
	// CheckOTPUsable reports whether a verified code can still be consumed,
	// without consuming it.
	CheckOTPUsable func(context.Context, string) error
	MarkOTPUsed    func(context.Context, string) error
	InvalidateOTP  func(context.Context, string) error

	CheckPassword  func(candidate, confirmation string) []string
	HashPassword   func(string) (string, error)
	VerifyPassword func(plain, encoded string) (bool, error)

	FindUserByEmail func(context.Context, string) (User, error)
	IsUserNotFound  func(error) bool
	UsernameExists  func(context.Context, string) (bool, error)
	EmailExists     func(context.Context, string) (bool, error)
	CreateUser      func(context.Context, NewUser) (string, error)
	UpdatePassword  func(ctx context.Context, userID, encoded string) error

	NotifyPasswordChanged func(context.Context, Session) error
	RequestApproval       func(context.Context, Session) error

	// Now and ClaimLease let a request take over a completing flow whose
	// owner never finished. Without them such a flow waits for its idle TTL.
	Now        func() time.Time
	ClaimLease time.Duration

	Describe  func(error, Detail) (code, message string)
	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, success bool, session Session, err error, metadata func() map[string]string)

	Metrics Metrics
	Events  Events
	Errors  Errors
}

func normalizeDeps(deps *Deps) {
	if deps.Describe == nil {
		deps.Describe = func(err error, _ Detail) (string, string) { return "error", err.Error() }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, Session, error, func() map[string]string) {}
	}
	if deps.IsUserNotFound == nil {
		deps.IsUserNotFound = func(error) bool { return false }
	}
	if deps.NotifyPasswordChanged == nil {
		deps.NotifyPasswordChanged = func(context.Context, Session) error { return nil }
	}
	if deps.RequestApproval == nil {
		deps.RequestApproval = func(context.Context, Session) error { return nil }
	}
}

func ready(deps Deps) bool {
	return deps.NewID != nil &&
		deps.CreateSession != nil &&
		deps.LoadSession != nil &&
		deps.UpdateSession != nil &&
		deps.DeleteSession != nil &&
		deps.IssueOTP != nil &&
		deps.VerifyOTP != nil &&
		deps.CheckOTPUsable != nil &&
		deps.MarkOTPUsed != nil &&
		deps.InvalidateOTP != nil &&
		deps.Errors.Validation != nil
}

// PurposeFor maps a flow kind to the OTP purpose it issues codes under.
func PurposeFor(kind string) string {
	return kind
}

func initialStep(kind string) string {
	if kind == KindRegistration {
		return StepDetails
	}
	return StepEmail
}
