package credguard

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/wareops/credguard/approval"
	"github.com/wareops/credguard/internal/flows"
	"github.com/wareops/credguard/internal/stores"
	"github.com/wareops/credguard/mail"
)

// StartPasswordReset opens a reset flow at the email step.
func (e *Engine) StartPasswordReset(ctx context.Context) (FlowState, error) {
	session, err := flows.RunStart(ctx, flows.KindPasswordReset, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// StartRegistration opens a registration flow at the details step.
func (e *Engine) StartRegistration(ctx context.Context) (FlowState, error) {
	session, err := flows.RunStart(ctx, flows.KindRegistration, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// SubmitResetEmail sends a reset code to the account registered under email.
// An unknown email fails with ErrAccountNotFound and the flow stays put.
func (e *Engine) SubmitResetEmail(ctx context.Context, flowID, email string) (FlowState, error) {
	session, err := flows.RunSubmitResetEmail(ctx, flowID, email, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// SubmitRegistrationDetails validates the new account and sends a code to
// its email. Taken usernames and emails fail validation.
func (e *Engine) SubmitRegistrationDetails(ctx context.Context, flowID string, details RegistrationDetails) (FlowState, error) {
	session, err := flows.RunSubmitRegistrationDetails(ctx, flowID, flows.RegistrationDetails{
		Username:        details.Username,
		Email:           details.Email,
		FullName:        details.FullName,
		Password:        details.Password,
		ConfirmPassword: details.ConfirmPassword,
	}, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// SubmitFlowOTP verifies the flow's code. Registration completes here.
func (e *Engine) SubmitFlowOTP(ctx context.Context, flowID, code string) (FlowState, error) {
	session, err := flows.RunSubmitOTP(ctx, flowID, code, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// ResendFlowOTP replaces the flow's code, subject to the resend governor.
func (e *Engine) ResendFlowOTP(ctx context.Context, flowID string) (FlowState, error) {
	session, err := flows.RunResendOTP(ctx, flowID, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// SubmitNewPassword finishes a reset flow.
func (e *Engine) SubmitNewPassword(ctx context.Context, flowID, newPassword, confirmation string) (FlowState, error) {
	session, err := flows.RunSubmitNewPassword(ctx, flowID, newPassword, confirmation, e.flowDeps)
	return e.flowState(ctx, session, err)
}

// CancelFlow discards the flow and invalidates its code. Past the first step
// confirmed must be true.
func (e *Engine) CancelFlow(ctx context.Context, flowID string, confirmed bool) error {
	return flows.RunCancel(ctx, flowID, confirmed, e.flowDeps)
}

// GetFlow returns what the UI should render for flowID.
func (e *Engine) GetFlow(ctx context.Context, flowID string) (FlowState, error) {
	if !e.ready() {
		return FlowState{}, ErrEngineNotReady
	}
	session, err := e.loadSession(ctx, flowID)
	return e.flowState(ctx, session, err)
}

// flowState renders session for the UI. At the OTP step it includes the
// resend countdown.
func (e *Engine) flowState(ctx context.Context, session flows.Session, err error) (FlowState, error) {
	if session.ID == "" {
		return FlowState{}, err
	}

	state := FlowState{
		ID:          session.ID,
		Kind:        FlowKind(session.Kind),
		Step:        session.Step,
		Destination: session.Destination,
		Error:       session.LastError,
		ErrorCode:   session.LastCode,
		UpdatedAt:   session.UpdatedAt,
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = e.now()
	}
	if session.Step == flows.StepOTP && session.Destination != "" {
		purpose := Purpose(flows.PurposeFor(session.Kind))
		if status, statusErr := e.GetResendStatus(ctx, session.Destination, purpose); statusErr == nil {
			state.Resend = &status
		}
	}
	return state, err
}

func sessionFromRecord(record *stores.FlowRecord) flows.Session {
	return flows.Session{
		ID:           record.ID,
		Kind:         record.Kind,
		Step:         record.Step,
		Destination:  record.Destination,
		UserID:       record.UserID,
		OTPID:        record.OTPID,
		Username:     record.Username,
		FullName:     record.FullName,
		PasswordHash: record.PasswordHash,
		OTPVerified:  record.OTPVerified,
		ClaimedFrom:  record.ClaimedFrom,
		LastError:    record.LastError,
		LastCode:     record.LastCode,
		UpdatedAt:    time.UnixMilli(record.UpdatedAt),
	}
}

func applySession(record *stores.FlowRecord, session flows.Session) {
	record.Step = session.Step
	record.Destination = session.Destination
	record.UserID = session.UserID
	record.OTPID = session.OTPID
	record.Username = session.Username
	record.FullName = session.FullName
	record.PasswordHash = session.PasswordHash
	record.OTPVerified = session.OTPVerified
	record.ClaimedFrom = session.ClaimedFrom
	record.LastError = session.LastError
	record.LastCode = session.LastCode
}

func (e *Engine) flowErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, stores.ErrFlowNotFound):
		return ErrFlowNotFound
	default:
		e.logger.ErrorContext(ctx, "flow store failure", slog.Any("error", err))
		return ErrFlowUnavailable
	}
}

func (e *Engine) loadSession(ctx context.Context, id string) (flows.Session, error) {
	if id == "" {
		return flows.Session{}, ErrFlowNotFound
	}
	record, err := e.flowStore.Get(ctx, id)
	if err != nil {
		return flows.Session{}, e.flowErr(ctx, err)
	}
	return sessionFromRecord(record), nil
}

func (e *Engine) buildFlowDeps() flows.Deps {
	return flows.Deps{
		NewID: uuid.NewString,

		CreateSession: func(ctx context.Context, session flows.Session) error {
			nowMs := e.now().UnixMilli()
			record := &stores.FlowRecord{
				ID:        session.ID,
				Kind:      session.Kind,
				CreatedAt: nowMs,
				UpdatedAt: nowMs,
			}
			applySession(record, session)
			if err := e.flowStore.Create(ctx, record); err != nil {
				return e.flowErr(ctx, err)
			}
			return nil
		},
		LoadSession: e.loadSession,
		UpdateSession: func(ctx context.Context, id string, fn func(*flows.Session) error) (flows.Session, error) {
			var fnErr error
			record, err := e.flowStore.Update(ctx, id, func(record *stores.FlowRecord) error {
				session := sessionFromRecord(record)
				if fnErr = fn(&session); fnErr != nil {
					return fnErr
				}
				applySession(record, session)
				record.UpdatedAt = e.now().UnixMilli()
				return nil
			})
			if err != nil {
				if fnErr != nil {
					return flows.Session{}, fnErr
				}
				return flows.Session{}, e.flowErr(ctx, err)
			}
			return sessionFromRecord(record), nil
		},
		DeleteSession: func(ctx context.Context, id string) error {
			if err := e.flowStore.Delete(ctx, id); err != nil {
				return e.flowErr(ctx, err)
			}
			return nil
		},

		IssueOTP: func(ctx context.Context, destination, purpose string, resend bool) (string, time.Duration, error) {
			issue, err := e.issueOTP(ctx, destination, Purpose(purpose), resend)
			if err != nil {
				var wait time.Duration
				switch {
				case errors.Is(err, ErrResendBlocked) && !issue.Resend.BlockedUntil.IsZero():
					wait = issue.Resend.BlockedUntil.Sub(e.now())
				case errors.Is(err, ErrResendCooldown):
					wait = issue.Resend.CooldownRemaining
				}
				return "", wait, err
			}
			return issue.OTPID, 0, nil
		},
		VerifyOTP: func(ctx context.Context, otpID, purpose, code string) (int, error) {
			return e.verifyOTP(ctx, otpID, Purpose(purpose), code)
		},
		CheckOTPUsable: func(ctx context.Context, otpID string) error {
			if err := e.otps.Usable(ctx, otpID, e.now()); err != nil {
				return e.otpErr(ctx, err)
			}
			return nil
		},
		MarkOTPUsed: e.MarkOTPAsUsed,
		InvalidateOTP: func(ctx context.Context, otpID string) error {
			if err := e.otps.Invalidate(ctx, otpID); err != nil {
				return e.otpErr(ctx, err)
			}
			return nil
		},

		CheckPassword: e.policy.Check,
		HashPassword:  e.passwordHash.Hash,
		VerifyPassword: func(plain, encoded string) (bool, error) {
			return e.passwordHash.Verify(plain, encoded)
		},

		FindUserByEmail: func(ctx context.Context, email string) (flows.User, error) {
			lookupCtx, cancel := e.withStoreTimeout(ctx)
			defer cancel()
			user, err := e.users.GetByEmail(lookupCtx, email)
			if err != nil {
				if errors.Is(err, ErrUserNotFound) {
					return flows.User{}, err
				}
				return flows.User{}, e.userStoreErr(ctx, err)
			}
			return flows.User{ID: user.ID, Email: user.Email, PasswordHash: user.PasswordHash}, nil
		},
		IsUserNotFound: func(err error) bool {
			return errors.Is(err, ErrUserNotFound)
		},
		UsernameExists: func(ctx context.Context, username string) (bool, error) {
			lookupCtx, cancel := e.withStoreTimeout(ctx)
			defer cancel()
			taken, err := e.users.UsernameExists(lookupCtx, username)
			if err != nil {
				return false, e.userStoreErr(ctx, err)
			}
			return taken, nil
		},
		EmailExists: func(ctx context.Context, email string) (bool, error) {
			lookupCtx, cancel := e.withStoreTimeout(ctx)
			defer cancel()
			taken, err := e.users.EmailExists(lookupCtx, email)
			if err != nil {
				return false, e.userStoreErr(ctx, err)
			}
			return taken, nil
		},
		CreateUser: func(ctx context.Context, input flows.NewUser) (string, error) {
			status := UserActive
			if e.config.Approval.Enabled {
				status = UserPendingApproval
			}
			writeCtx, cancel := e.withStoreTimeout(ctx)
			defer cancel()
			user, err := e.users.CreateUser(writeCtx, NewUser{
				Username:     input.Username,
				Email:        input.Email,
				FullName:     input.FullName,
				PasswordHash: input.PasswordHash,
				Status:       status,
				Verified:     true,
			})
			if err != nil {
				if errors.Is(err, ErrValidationFailed) {
					return "", err
				}
				return "", e.userStoreErr(ctx, err)
			}
			return user.ID, nil
		},
		UpdatePassword: func(ctx context.Context, userID, encoded string) error {
			writeCtx, cancel := e.withStoreTimeout(ctx)
			defer cancel()
			if err := e.users.UpdatePassword(writeCtx, userID, encoded); err != nil {
				return e.userStoreErr(ctx, err)
			}
			return nil
		},

		NotifyPasswordChanged: func(ctx context.Context, session flows.Session) error {
			return e.deliver(ctx, mail.PasswordChangedMessage(e.config.Delivery.AppName, session.Destination, e.now()))
		},
		RequestApproval: e.requestApproval,

		// Every user store write is bounded by the delivery timeout.
		Now:        e.now,
		ClaimLease: 2 * e.config.Delivery.Timeout,

		Describe: func(err error, detail flows.Detail) (string, string) {
			return string(CodeOf(err)), describe(err, detail.RemainingAttempts, detail.Wait)
		},
		MetricInc: func(id int) {
			e.metricInc(MetricID(id))
		},
		EmitAudit: func(ctx context.Context, event string, success bool, session flows.Session, err error, metadata func() map[string]string) {
			e.emitAudit(ctx, event, success, session.UserID, session.Destination, session.ID, err, func() map[string]string {
				meta := map[string]string{"kind": session.Kind}
				if metadata != nil {
					for k, v := range metadata() {
						meta[k] = v
					}
				}
				return meta
			})
		},

		Metrics: flows.Metrics{
			FlowStarted:     int(MetricFlowStarted),
			FlowCompleted:   int(MetricFlowCompleted),
			FlowCancelled:   int(MetricFlowCancelled),
			FlowStepFailure: int(MetricFlowStepFailure),
		},
		Events: flows.Events{
			FlowStart:    auditEventFlowStart,
			FlowStep:     auditEventFlowStep,
			FlowComplete: auditEventFlowComplete,
			FlowCancel:   auditEventFlowCancel,
			FlowNotify:   auditEventFlowNotify,
		},
		Errors: flows.Errors{
			EngineNotReady:    ErrEngineNotReady,
			FlowNotFound:      ErrFlowNotFound,
			WrongStep:         ErrFlowStep,
			AccountNotFound:   ErrAccountNotFound,
			PasswordReuse:     ErrPasswordReuse,
			CancelUnconfirmed: ErrFlowCancelUnconfirmed,
			Validation:        validationError,
		},
	}
}

// requestApproval mails the admin signed approve and reject links for a
// freshly registered account. Without approval enabled nothing is sent.
func (e *Engine) requestApproval(ctx context.Context, session flows.Session) error {
	if e.signer == nil || session.UserID == "" {
		return nil
	}

	approveToken, err := e.signer.Issue(session.UserID, approval.ActionApprove)
	if err != nil {
		return err
	}
	rejectToken, err := e.signer.Issue(session.UserID, approval.ActionReject)
	if err != nil {
		return err
	}

	msg := mail.ApprovalRequestMessage(
		e.config.Delivery.AppName,
		e.config.Delivery.AdminAddress,
		session.Username,
		session.FullName,
		session.Destination,
		e.approvalURL(approval.ActionApprove, session.UserID, approveToken),
		e.approvalURL(approval.ActionReject, session.UserID, rejectToken),
	)
	return e.deliver(ctx, msg)
}

func (e *Engine) approvalURL(action, userID, token string) string {
	q := url.Values{}
	q.Set("user", userID)
	q.Set("token", token)
	return e.config.Delivery.BaseURL + "/approvals/" + action + "?" + q.Encode()
}
