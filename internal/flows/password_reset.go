package flows

import (
	"context"
)

// RunSubmitResetEmail looks the account up by email and sends it a reset
// code. An unknown email is reported as such and the flow stays at the email
// step.
func RunSubmitResetEmail(ctx context.Context, id, email string, deps Deps) (Session, error) {
	normalizeDeps(&deps)
	if !ready(deps) || deps.FindUserByEmail == nil {
		return Session{}, deps.Errors.EngineNotReady
	}

	session, err := load(ctx, id, StepEmail, deps)
	if err != nil {
		return session, err
	}
	if session.Kind != KindPasswordReset {
		return session, deps.Errors.WrongStep
	}

	email = normalizeEmail(email)
	if email == "" {
		return fail(ctx, session, deps.Errors.Validation("email_required"), Detail{}, deps)
	}

	user, err := deps.FindUserByEmail(ctx, email)
	if err != nil {
		if isCtxErr(err) {
			return session, err
		}
		if deps.IsUserNotFound(err) {
			err = deps.Errors.AccountNotFound
		}
		return fail(ctx, session, err, Detail{}, deps)
	}

	otpID, wait, err := deps.IssueOTP(ctx, email, PurposeFor(KindPasswordReset), false)
	if err != nil {
		return fail(ctx, session, err, Detail{Wait: wait}, deps)
	}

	return advance(ctx, session, StepOTP, func(s *Session) {
		s.Destination = email
		s.UserID = user.ID
		s.OTPID = otpID
	}, deps)
}

// RunSubmitNewPassword applies the password policy, rejects reuse of the
// current password, stores the new hash and then consumes the verified code.
// A failed store write leaves the flow at the new-password step with the code
// still usable, so the user can retry.
func RunSubmitNewPassword(ctx context.Context, id, newPassword, confirmation string, deps Deps) (Session, error) {
	normalizeDeps(&deps)
	if !ready(deps) ||
		deps.CheckPassword == nil ||
		deps.HashPassword == nil ||
		deps.VerifyPassword == nil ||
		deps.FindUserByEmail == nil ||
		deps.UpdatePassword == nil {
		return Session{}, deps.Errors.EngineNotReady
	}

	session, err := loadForCompletion(ctx, id, StepNewPassword, deps)
	if err != nil {
		return session, err
	}

	if err := deps.CheckOTPUsable(ctx, session.OTPID); err != nil {
		return fail(ctx, session, err, Detail{}, deps)
	}
	if rules := deps.CheckPassword(newPassword, confirmation); len(rules) > 0 {
		return fail(ctx, session, deps.Errors.Validation(rules...), Detail{}, deps)
	}

	user, err := deps.FindUserByEmail(ctx, session.Destination)
	if err != nil {
		if deps.IsUserNotFound(err) {
			err = deps.Errors.AccountNotFound
		}
		return fail(ctx, session, err, Detail{}, deps)
	}
	if user.PasswordHash != "" {
		same, err := deps.VerifyPassword(newPassword, user.PasswordHash)
		if err == nil && same {
			return fail(ctx, session, deps.Errors.PasswordReuse, Detail{}, deps)
		}
	}

	encoded, err := deps.HashPassword(newPassword)
	if err != nil {
		return fail(ctx, session, err, Detail{}, deps)
	}

	claimed, err := claim(ctx, session, deps)
	if err != nil {
		return session, err
	}
	if err := deps.UpdatePassword(ctx, user.ID, encoded); err != nil {
		return release(ctx, claimed, err, nil, deps)
	}
	consume(ctx, claimed, deps)

	done, err := advance(ctx, claimed, StepSuccess, nil, deps)
	if err != nil {
		return done, err
	}
	notify(ctx, done, deps.NotifyPasswordChanged, deps)
	return done, nil
}
