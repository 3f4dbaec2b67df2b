package flows

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	errNotReady      = errors.New("not ready")
	errFlowNotFound  = errors.New("flow not found")
	errWrongStep     = errors.New("wrong step")
	errNoAccount     = errors.New("no account")
	errReuse         = errors.New("reuse")
	errUnconfirmed   = errors.New("unconfirmed")
	errUserNotFound  = errors.New("user not found")
	errCodeMismatch  = errors.New("code mismatch")
	errCooldown      = errors.New("cooldown")
	errCodeNotActive = errors.New("code not active")
	errStoreDown     = errors.New("user store unavailable")
)

type validationErr struct{ rules []string }

func (e *validationErr) Error() string { return "validation: " + strings.Join(e.rules, ",") }

type harness struct {
	mu        sync.Mutex
	seq       int
	sessions  map[string]Session
	codes     map[string]string // otp id -> code
	used      map[string]bool
	users     map[string]User // by email
	usernames map[string]bool
	created   []NewUser
	updated   map[string]string
	notified  int
	approvals int
	sends     []string
	cooldown  bool

	failUpdate int
	failCreate int
	onUpdate   func()
}

func newHarness() *harness {
	return &harness{
		sessions:  map[string]Session{},
		codes:     map[string]string{},
		used:      map[string]bool{},
		users:     map[string]User{},
		usernames: map[string]bool{},
		updated:   map[string]string{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		NewID: func() string {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.seq++
			return fmt.Sprintf("flow-%d", h.seq)
		},
		CreateSession: func(_ context.Context, s Session) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sessions[s.ID] = s
			return nil
		},
		LoadSession: func(_ context.Context, id string) (Session, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s, ok := h.sessions[id]
			if !ok {
				return Session{}, errFlowNotFound
			}
			return s, nil
		},
		UpdateSession: func(_ context.Context, id string, fn func(*Session) error) (Session, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s, ok := h.sessions[id]
			if !ok {
				return Session{}, errFlowNotFound
			}
			if err := fn(&s); err != nil {
				return Session{}, err
			}
			h.sessions[id] = s
			return s, nil
		},
		DeleteSession: func(_ context.Context, id string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.sessions, id)
			return nil
		},
		IssueOTP: func(_ context.Context, destination, purpose string, resend bool) (string, time.Duration, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if resend && h.cooldown {
				return "", 42 * time.Second, errCooldown
			}
			h.seq++
			id := fmt.Sprintf("otp-%d", h.seq)
			h.codes[id] = "123456"
			h.sends = append(h.sends, purpose+":"+destination)
			return id, 0, nil
		},
		VerifyOTP: func(_ context.Context, otpID, _ string, code string) (int, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			want, ok := h.codes[otpID]
			if !ok {
				return 0, errCodeNotActive
			}
			if code != want {
				return 2, errCodeMismatch
			}
			return 0, nil
		},
		CheckOTPUsable: func(_ context.Context, otpID string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.codes[otpID]; !ok || h.used[otpID] {
				return errCodeNotActive
			}
			return nil
		},
		MarkOTPUsed: func(_ context.Context, otpID string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.used[otpID] {
				return errCodeNotActive
			}
			h.used[otpID] = true
			return nil
		},
		InvalidateOTP: func(_ context.Context, otpID string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.codes, otpID)
			return nil
		},
		CheckPassword: func(candidate, confirmation string) []string {
			var rules []string
			if len(candidate) < 8 {
				rules = append(rules, "min_length")
			}
			if candidate != confirmation {
				rules = append(rules, "confirmation_mismatch")
			}
			return rules
		},
		HashPassword: func(p string) (string, error) { return "hash:" + p, nil },
		VerifyPassword: func(plain, encoded string) (bool, error) {
			return encoded == "hash:"+plain, nil
		},
		FindUserByEmail: func(_ context.Context, email string) (User, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			u, ok := h.users[email]
			if !ok {
				return User{}, errUserNotFound
			}
			return u, nil
		},
		IsUserNotFound: func(err error) bool { return errors.Is(err, errUserNotFound) },
		UsernameExists: func(_ context.Context, username string) (bool, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.usernames[username], nil
		},
		EmailExists: func(_ context.Context, email string) (bool, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			_, ok := h.users[email]
			return ok, nil
		},
		CreateUser: func(_ context.Context, u NewUser) (string, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.failCreate > 0 {
				h.failCreate--
				return "", errStoreDown
			}
			h.created = append(h.created, u)
			return "user-new", nil
		},
		UpdatePassword: func(_ context.Context, userID, encoded string) error {
			if h.onUpdate != nil {
				hook := h.onUpdate
				h.onUpdate = nil
				hook()
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.failUpdate > 0 {
				h.failUpdate--
				return errStoreDown
			}
			h.updated[userID] = encoded
			return nil
		},
		NotifyPasswordChanged: func(context.Context, Session) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notified++
			return nil
		},
		RequestApproval: func(context.Context, Session) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.approvals++
			return errors.New("smtp down")
		},
		Describe: func(err error, d Detail) (string, string) {
			switch {
			case errors.Is(err, errCodeMismatch):
				return "otp_mismatch", fmt.Sprintf("%d attempts remaining", d.RemainingAttempts)
			case errors.Is(err, errCooldown):
				return "resend_cooldown", fmt.Sprintf("wait %ds", int(d.Wait.Seconds()))
			}
			return "error", err.Error()
		},
		Errors: Errors{
			EngineNotReady:    errNotReady,
			FlowNotFound:      errFlowNotFound,
			WrongStep:         errWrongStep,
			AccountNotFound:   errNoAccount,
			PasswordReuse:     errReuse,
			CancelUnconfirmed: errUnconfirmed,
			Validation: func(rules ...string) error {
				return &validationErr{rules: rules}
			},
		},
	}
}

func TestPasswordResetHappyPath(t *testing.T) {
	h := newHarness()
	h.users["alice@example.com"] = User{ID: "u1", Email: "alice@example.com", PasswordHash: "hash:OldPass#1"}
	deps := h.deps()
	ctx := context.Background()

	s, err := RunStart(ctx, KindPasswordReset, deps)
	if err != nil {
		t.Fatalf("RunStart failed: %v", err)
	}
	if s.Step != StepEmail {
		t.Fatalf("expected email step, got %q", s.Step)
	}

	s, err = RunSubmitResetEmail(ctx, s.ID, "  Alice@Example.com ", deps)
	if err != nil {
		t.Fatalf("RunSubmitResetEmail failed: %v", err)
	}
	if s.Step != StepOTP || s.Destination != "alice@example.com" || s.UserID != "u1" {
		t.Fatalf("unexpected session after email: %+v", s)
	}

	s, err = RunSubmitOTP(ctx, s.ID, "000000", deps)
	if !errors.Is(err, errCodeMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if s.Step != StepOTP || s.LastCode != "otp_mismatch" || s.LastError != "2 attempts remaining" {
		t.Fatalf("expected mismatch recorded at otp step, got %+v", s)
	}

	s, err = RunSubmitOTP(ctx, s.ID, "123456", deps)
	if err != nil {
		t.Fatalf("RunSubmitOTP failed: %v", err)
	}
	if s.Step != StepNewPassword || s.LastError != "" {
		t.Fatalf("expected new-password step with cleared error, got %+v", s)
	}

	s, err = RunSubmitNewPassword(ctx, s.ID, "OldPass#1", "OldPass#1", deps)
	if !errors.Is(err, errReuse) {
		t.Fatalf("expected reuse rejection, got %v", err)
	}

	s, err = RunSubmitNewPassword(ctx, s.ID, "short", "short", deps)
	var verr *validationErr
	if !errors.As(err, &verr) || !reflect.DeepEqual(verr.rules, []string{"min_length"}) {
		t.Fatalf("expected min_length violation, got %v", err)
	}

	s, err = RunSubmitNewPassword(ctx, s.ID, "NewPass#2", "NewPass#2", deps)
	if err != nil {
		t.Fatalf("RunSubmitNewPassword failed: %v", err)
	}
	if s.Step != StepSuccess {
		t.Fatalf("expected success step, got %q", s.Step)
	}
	if h.updated["u1"] != "hash:NewPass#2" {
		t.Fatalf("expected password update, got %q", h.updated["u1"])
	}
	if !h.used[s.OTPID] || h.notified != 1 {
		t.Fatalf("expected code consumed and one notification, used=%v notified=%d", h.used[s.OTPID], h.notified)
	}

	if _, err := RunSubmitOTP(ctx, s.ID, "123456", deps); !errors.Is(err, errWrongStep) {
		t.Fatalf("expected success to be terminal, got %v", err)
	}
}

func TestPasswordResetUnknownAccountStays(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	ctx := context.Background()

	s, _ := RunStart(ctx, KindPasswordReset, deps)
	s, err := RunSubmitResetEmail(ctx, s.ID, "ghost@example.com", deps)
	if !errors.Is(err, errNoAccount) {
		t.Fatalf("expected account-not-found, got %v", err)
	}
	if s.Step != StepEmail || s.LastError == "" {
		t.Fatalf("expected to stay at email with an error, got %+v", s)
	}
	if len(h.sends) != 0 {
		t.Fatalf("no code must be sent for unknown accounts, got %v", h.sends)
	}
}

func TestRegistrationFlow(t *testing.T) {
	h := newHarness()
	h.usernames["taken"] = true
	deps := h.deps()
	ctx := context.Background()

	s, err := RunStart(ctx, KindRegistration, deps)
	if err != nil || s.Step != StepDetails {
		t.Fatalf("RunStart: step=%q err=%v", s.Step, err)
	}

	_, err = RunSubmitRegistrationDetails(ctx, s.ID, RegistrationDetails{
		Username:        "taken",
		Email:           "not-an-email",
		FullName:        "",
		Password:        "Str0ng!pw",
		ConfirmPassword: "Str0ng!pw",
	}, deps)
	var verr *validationErr
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !reflect.DeepEqual(verr.rules, []string{"email_format", "full_name_required"}) {
		t.Fatalf("unexpected rules: %v", verr.rules)
	}

	_, err = RunSubmitRegistrationDetails(ctx, s.ID, RegistrationDetails{
		Username:        "taken",
		Email:           "bob@example.com",
		FullName:        "Bob Builder",
		Password:        "Str0ng!pw",
		ConfirmPassword: "Str0ng!pw",
	}, deps)
	if !errors.As(err, &verr) || !reflect.DeepEqual(verr.rules, []string{"username_taken"}) {
		t.Fatalf("expected username_taken, got %v", err)
	}

	s, err = RunSubmitRegistrationDetails(ctx, s.ID, RegistrationDetails{
		Username:        "bob",
		Email:           "Bob@Example.com",
		FullName:        "Bob Builder",
		Password:        "Str0ng!pw",
		ConfirmPassword: "Str0ng!pw",
	}, deps)
	if err != nil {
		t.Fatalf("RunSubmitRegistrationDetails failed: %v", err)
	}
	if s.Step != StepOTP || s.Destination != "bob@example.com" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if !reflect.DeepEqual(h.sends, []string{"registration:bob@example.com"}) {
		t.Fatalf("unexpected sends: %v", h.sends)
	}

	s, err = RunSubmitOTP(ctx, s.ID, "123456", deps)
	if err != nil {
		t.Fatalf("RunSubmitOTP failed: %v", err)
	}
	if s.Step != StepSuccess || s.UserID != "user-new" || s.PasswordHash != "" {
		t.Fatalf("unexpected final session: %+v", s)
	}
	if len(h.created) != 1 || h.created[0].PasswordHash != "hash:Str0ng!pw" {
		t.Fatalf("unexpected created users: %+v", h.created)
	}
	if h.approvals != 1 {
		t.Fatalf("expected one approval request, got %d", h.approvals)
	}
}

func TestResendRecordsCooldown(t *testing.T) {
	h := newHarness()
	h.users["alice@example.com"] = User{ID: "u1"}
	deps := h.deps()
	ctx := context.Background()

	s, _ := RunStart(ctx, KindPasswordReset, deps)
	s, _ = RunSubmitResetEmail(ctx, s.ID, "alice@example.com", deps)
	first := s.OTPID

	s, err := RunResendOTP(ctx, s.ID, deps)
	if err != nil {
		t.Fatalf("RunResendOTP failed: %v", err)
	}
	if s.OTPID == first {
		t.Fatal("expected resend to replace the otp id")
	}

	h.cooldown = true
	s, err = RunResendOTP(ctx, s.ID, deps)
	if !errors.Is(err, errCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if s.LastError != "wait 42s" || s.Step != StepOTP {
		t.Fatalf("expected cooldown recorded, got %+v", s)
	}
}

func TestCancelRequiresConfirmationPastFirstStep(t *testing.T) {
	h := newHarness()
	h.users["alice@example.com"] = User{ID: "u1"}
	deps := h.deps()
	ctx := context.Background()

	fresh, _ := RunStart(ctx, KindPasswordReset, deps)
	if err := RunCancel(ctx, fresh.ID, false, deps); err != nil {
		t.Fatalf("cancel at first step must not need confirmation: %v", err)
	}

	s, _ := RunStart(ctx, KindPasswordReset, deps)
	s, _ = RunSubmitResetEmail(ctx, s.ID, "alice@example.com", deps)

	if err := RunCancel(ctx, s.ID, false, deps); !errors.Is(err, errUnconfirmed) {
		t.Fatalf("expected unconfirmed cancel to fail, got %v", err)
	}
	if err := RunCancel(ctx, s.ID, true, deps); err != nil {
		t.Fatalf("confirmed cancel failed: %v", err)
	}
	if _, ok := h.codes[s.OTPID]; ok {
		t.Fatal("expected cancel to invalidate the flow's code")
	}
	if _, err := RunSubmitOTP(ctx, s.ID, "123456", deps); !errors.Is(err, errFlowNotFound) {
		t.Fatalf("expected cancelled flow to be gone, got %v", err)
	}
}

func TestRunStartRejectsUnknownKind(t *testing.T) {
	h := newHarness()
	if _, err := RunStart(context.Background(), "sso", h.deps()); err == nil {
		t.Fatal("expected unknown flow kind to be rejected")
	}
	if _, err := RunStart(context.Background(), KindRegistration, Deps{Errors: Errors{EngineNotReady: errNotReady}}); !errors.Is(err, errNotReady) {
		t.Fatalf("expected not-ready, got %v", err)
	}
}

// resetAtNewPassword drives a reset flow for alice up to the new-password step.
func resetAtNewPassword(t *testing.T, h *harness, deps Deps) Session {
	t.Helper()

	h.users["alice@example.com"] = User{ID: "u1", Email: "alice@example.com", PasswordHash: "hash:OldPass#1"}
	ctx := context.Background()
	s, err := RunStart(ctx, KindPasswordReset, deps)
	if err != nil {
		t.Fatalf("RunStart failed: %v", err)
	}
	if s, err = RunSubmitResetEmail(ctx, s.ID, "alice@example.com", deps); err != nil {
		t.Fatalf("RunSubmitResetEmail failed: %v", err)
	}
	if s, err = RunSubmitOTP(ctx, s.ID, "123456", deps); err != nil {
		t.Fatalf("RunSubmitOTP failed: %v", err)
	}
	return s
}

func TestNewPasswordRetryAfterStoreFailure(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	ctx := context.Background()
	s := resetAtNewPassword(t, h, deps)

	h.failUpdate = 1
	s, err := RunSubmitNewPassword(ctx, s.ID, "NewPass#2", "NewPass#2", deps)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if s.Step != StepNewPassword || s.ClaimedFrom != "" || s.LastError == "" {
		t.Fatalf("expected to be back at new-password with the error, got %+v", s)
	}
	if h.used[s.OTPID] {
		t.Fatal("code must stay usable after a failed write")
	}

	s, err = RunSubmitNewPassword(ctx, s.ID, "NewPass#2", "NewPass#2", deps)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if s.Step != StepSuccess || h.updated["u1"] != "hash:NewPass#2" || !h.used[s.OTPID] {
		t.Fatalf("expected the retry to complete, got %+v updated=%v", s, h.updated)
	}
}

func TestNewPasswordSecondSubmitDuringWriteIsRejected(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	ctx := context.Background()
	s := resetAtNewPassword(t, h, deps)

	var inner Session
	var innerErr error
	h.onUpdate = func() {
		inner, innerErr = RunSubmitNewPassword(ctx, s.ID, "Other#Pass3", "Other#Pass3", deps)
	}

	done, err := RunSubmitNewPassword(ctx, s.ID, "NewPass#2", "NewPass#2", deps)
	if err != nil {
		t.Fatalf("RunSubmitNewPassword failed: %v", err)
	}
	if !errors.Is(innerErr, errWrongStep) || inner.Step != StepCompleting {
		t.Fatalf("expected the overlapping submit to see the completing step, got %q %v", inner.Step, innerErr)
	}
	if done.Step != StepSuccess || h.updated["u1"] != "hash:NewPass#2" {
		t.Fatalf("expected exactly the first write, got %+v updated=%v", done, h.updated)
	}
}

func TestStaleCompletingClaimIsTakenOver(t *testing.T) {
	h := newHarness()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	deps := h.deps()
	deps.Now = func() time.Time { return now }
	deps.ClaimLease = 20 * time.Second
	ctx := context.Background()
	s := resetAtNewPassword(t, h, deps)

	h.mu.Lock()
	stuck := h.sessions[s.ID]
	stuck.Step, stuck.ClaimedFrom = StepCompleting, StepNewPassword
	stuck.UpdatedAt = now.Add(-5 * time.Second)
	h.sessions[s.ID] = stuck
	h.mu.Unlock()

	if _, err := RunSubmitNewPassword(ctx, s.ID, "NewPass#2", "NewPass#2", deps); !errors.Is(err, errWrongStep) {
		t.Fatalf("expected a live claim to be respected, got %v", err)
	}

	now = now.Add(time.Minute)
	done, err := RunSubmitNewPassword(ctx, s.ID, "NewPass#2", "NewPass#2", deps)
	if err != nil {
		t.Fatalf("expected an expired claim to be taken over: %v", err)
	}
	if done.Step != StepSuccess {
		t.Fatalf("expected success, got %+v", done)
	}
}

func TestRegistrationRetryAfterCreateFailure(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	ctx := context.Background()

	s, _ := RunStart(ctx, KindRegistration, deps)
	s, err := RunSubmitRegistrationDetails(ctx, s.ID, RegistrationDetails{
		Username:        "bob",
		Email:           "bob@example.com",
		FullName:        "Bob Builder",
		Password:        "Str0ng!pw",
		ConfirmPassword: "Str0ng!pw",
	}, deps)
	if err != nil {
		t.Fatalf("RunSubmitRegistrationDetails failed: %v", err)
	}

	h.failCreate = 1
	s, err = RunSubmitOTP(ctx, s.ID, "123456", deps)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if s.Step != StepOTP || !s.OTPVerified || h.used[s.OTPID] {
		t.Fatalf("expected the verified code kept at the otp step, got %+v used=%v", s, h.used[s.OTPID])
	}

	s, err = RunSubmitOTP(ctx, s.ID, "", deps)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if s.Step != StepSuccess || len(h.created) != 1 || !h.used[s.OTPID] || s.OTPVerified {
		t.Fatalf("expected the retry to create the account, got %+v created=%d", s, len(h.created))
	}
}
