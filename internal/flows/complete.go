package flows

import "context"

// loadForCompletion loads a flow expected at step. A flow left at
// StepCompleting from step by a request that outlived the claim lease is
// put back on step first.
func loadForCompletion(ctx context.Context, id, step string, deps Deps) (Session, error) {
	session, err := deps.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if session.Step == StepCompleting && session.ClaimedFrom == step && claimExpired(session, deps) {
		stale := session.UpdatedAt
		session, err = deps.UpdateSession(ctx, id, func(s *Session) error {
			if s.Step != StepCompleting || !s.UpdatedAt.Equal(stale) {
				return deps.Errors.WrongStep
			}
			s.Step, s.ClaimedFrom = step, ""
			return nil
		})
		if err != nil {
			return Session{}, err
		}
	}
	if session.Step != step {
		return session, deps.Errors.WrongStep
	}
	return session, nil
}

func claimExpired(session Session, deps Deps) bool {
	if deps.Now == nil || deps.ClaimLease <= 0 {
		return false
	}
	return deps.Now().Sub(session.UpdatedAt) > deps.ClaimLease
}

// claim moves session to StepCompleting. Only one of two concurrent submits
// gets past it; the other sees WrongStep.
func claim(ctx context.Context, session Session, deps Deps) (Session, error) {
	from, seen := session.Step, session.UpdatedAt
	return deps.UpdateSession(ctx, session.ID, func(s *Session) error {
		if s.Step != from || !s.UpdatedAt.Equal(seen) {
			return deps.Errors.WrongStep
		}
		s.Step, s.ClaimedFrom = StepCompleting, from
		s.LastError, s.LastCode = "", ""
		return nil
	})
}

// release returns a claimed flow to the step it was claimed from and records
// cause for the UI.
func release(ctx context.Context, claimed Session, cause error, mutate func(*Session), deps Deps) (Session, error) {
	code, message := deps.Describe(cause, Detail{})
	updated, err := deps.UpdateSession(ctx, claimed.ID, func(s *Session) error {
		if s.Step != StepCompleting {
			return deps.Errors.WrongStep
		}
		if mutate != nil {
			mutate(s)
		}
		s.Step, s.ClaimedFrom = claimed.ClaimedFrom, ""
		s.LastError, s.LastCode = message, code
		return nil
	})
	if err != nil {
		updated = claimed
		updated.LastError, updated.LastCode = message, code
	}

	deps.MetricInc(deps.Metrics.FlowStepFailure)
	deps.EmitAudit(ctx, deps.Events.FlowStep, false, claimed, cause, func() map[string]string {
		return map[string]string{"step": claimed.ClaimedFrom, "code": code}
	})
	return updated, cause
}

// consume marks the flow's code used once the write it protects succeeded.
// The write is not undone when that fails; the code is deleted instead.
func consume(ctx context.Context, session Session, deps Deps) {
	err := deps.MarkOTPUsed(ctx, session.OTPID)
	if err == nil {
		return
	}
	deps.EmitAudit(ctx, deps.Events.FlowStep, false, session, err, func() map[string]string {
		return map[string]string{"step": StepCompleting, "otp": "consume"}
	})
	_ = deps.InvalidateOTP(ctx, session.OTPID)
}
