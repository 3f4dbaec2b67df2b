package flows

import (
	"context"
	"errors"
	"strings"
)

// RunStart opens a flow of kind at its first step.
func RunStart(ctx context.Context, kind string, deps Deps) (Session, error) {
	normalizeDeps(&deps)
	if !ready(deps) {
		return Session{}, deps.Errors.EngineNotReady
	}
	if kind != KindPasswordReset && kind != KindRegistration {
		return Session{}, deps.Errors.Validation("flow_kind")
	}

	session := Session{
		ID:   deps.NewID(),
		Kind: kind,
		Step: initialStep(kind),
	}
	if err := deps.CreateSession(ctx, session); err != nil {
		return Session{}, err
	}

	deps.MetricInc(deps.Metrics.FlowStarted)
	deps.EmitAudit(ctx, deps.Events.FlowStart, true, session, nil, nil)
	return session, nil
}

// RunSubmitOTP verifies the code of the flow's active OTP. A reset flow moves
// on to the new-password step; a registration flow consumes the code and
// creates the account.
func RunSubmitOTP(ctx context.Context, id, code string, deps Deps) (Session, error) {
	normalizeDeps(&deps)
	if !ready(deps) {
		return Session{}, deps.Errors.EngineNotReady
	}

	session, err := loadForCompletion(ctx, id, StepOTP, deps)
	if err != nil {
		return session, err
	}

	if !session.OTPVerified {
		remaining, err := deps.VerifyOTP(ctx, session.OTPID, PurposeFor(session.Kind), strings.TrimSpace(code))
		if err != nil {
			return fail(ctx, session, err, Detail{RemainingAttempts: remaining}, deps)
		}
	}

	if session.Kind == KindPasswordReset {
		return advance(ctx, session, StepNewPassword, nil, deps)
	}
	return completeRegistration(ctx, session, deps)
}

// RunResendOTP mints a replacement code for a flow waiting at the OTP step.
func RunResendOTP(ctx context.Context, id string, deps Deps) (Session, error) {
	normalizeDeps(&deps)
	if !ready(deps) {
		return Session{}, deps.Errors.EngineNotReady
	}

	session, err := load(ctx, id, StepOTP, deps)
	if err != nil {
		return session, err
	}

	otpID, wait, err := deps.IssueOTP(ctx, session.Destination, PurposeFor(session.Kind), true)
	if err != nil {
		return fail(ctx, session, err, Detail{Wait: wait}, deps)
	}

	return advance(ctx, session, StepOTP, func(s *Session) {
		s.OTPID = otpID
		s.OTPVerified = false
	}, deps)
}

// RunCancel discards a flow and invalidates its code. Past the first step the
// caller must confirm, except from the terminal step.
func RunCancel(ctx context.Context, id string, confirmed bool, deps Deps) error {
	normalizeDeps(&deps)
	if !ready(deps) {
		return deps.Errors.EngineNotReady
	}

	session, err := deps.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Step != initialStep(session.Kind) && session.Step != StepSuccess && !confirmed {
		return deps.Errors.CancelUnconfirmed
	}

	if session.OTPID != "" {
		if err := deps.InvalidateOTP(ctx, session.OTPID); err != nil {
			return err
		}
	}
	if err := deps.DeleteSession(ctx, id); err != nil {
		return err
	}

	deps.MetricInc(deps.Metrics.FlowCancelled)
	deps.EmitAudit(ctx, deps.Events.FlowCancel, true, session, nil, func() map[string]string {
		return map[string]string{"step": session.Step}
	})
	return nil
}

func load(ctx context.Context, id, step string, deps Deps) (Session, error) {
	session, err := deps.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if session.Step != step {
		return session, deps.Errors.WrongStep
	}
	return session, nil
}

// advance moves session from its loaded step to next, failing if another
// request moved it first.
func advance(ctx context.Context, session Session, next string, mutate func(*Session), deps Deps) (Session, error) {
	from := session.Step
	updated, err := deps.UpdateSession(ctx, session.ID, func(s *Session) error {
		if s.Step != from {
			return deps.Errors.WrongStep
		}
		if mutate != nil {
			mutate(s)
		}
		s.Step, s.ClaimedFrom = next, ""
		s.LastError, s.LastCode = "", ""
		return nil
	})
	if err != nil {
		return session, err
	}

	if next == StepSuccess {
		deps.MetricInc(deps.Metrics.FlowCompleted)
		deps.EmitAudit(ctx, deps.Events.FlowComplete, true, updated, nil, nil)
	} else if next != from {
		deps.EmitAudit(ctx, deps.Events.FlowStep, true, updated, nil, func() map[string]string {
			return map[string]string{"from": from, "to": next}
		})
	}
	return updated, nil
}

// fail records cause on the session for the UI and returns it. The step does
// not change.
func fail(ctx context.Context, session Session, cause error, detail Detail, deps Deps) (Session, error) {
	code, message := deps.Describe(cause, detail)
	updated, err := deps.UpdateSession(ctx, session.ID, func(s *Session) error {
		if s.Step != session.Step {
			return deps.Errors.WrongStep
		}
		s.LastError, s.LastCode = message, code
		return nil
	})
	if err != nil {
		updated = session
		updated.LastError, updated.LastCode = message, code
	}

	deps.MetricInc(deps.Metrics.FlowStepFailure)
	deps.EmitAudit(ctx, deps.Events.FlowStep, false, session, cause, func() map[string]string {
		return map[string]string{"step": session.Step, "code": code}
	})
	return updated, cause
}

func notify(ctx context.Context, session Session, send func(context.Context, Session) error, deps Deps) {
	if err := send(ctx, session); err != nil {
		deps.EmitAudit(ctx, deps.Events.FlowNotify, false, session, err, nil)
		return
	}
	deps.EmitAudit(ctx, deps.Events.FlowNotify, true, session, nil, nil)
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
