package credguard

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/wareops/credguard/internal/limiters"
)

// identityKey is the key failures are counted under: the trimmed, lowercased
// account, plus "|ip" in account+ip mode when an address is known. An
// explicit ip wins over the one attached with [WithClientIP].
func (e *Engine) identityKey(ctx context.Context, account, ip string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(account))
	if key == "" {
		return "", validationError("account_required")
	}
	if e.config.Lockout.IdentityMode == IdentityAccountAndIP {
		if ip == "" {
			ip = clientIPFromContext(ctx)
		}
		if ip = strings.TrimSpace(ip); ip != "" {
			key += "|" + ip
		}
	}
	return key, nil
}

func (e *Engine) attemptStatus(state limiters.AttemptState) AttemptStatus {
	status := AttemptStatus{
		Blocked:            state.Blocked,
		RemainingAttempts:  state.RemainingAttempts,
		BlockTimeRemaining: state.BlockRemaining,
	}
	switch {
	case state.Blocked:
		status.Message = describe(ErrAccountBlocked, 0, state.BlockRemaining)
	case state.FailureCount > 0:
		status.Message = describe(ErrInvalidCredentials, state.RemainingAttempts, 0)
	}
	return status
}

func (e *Engine) ledgerErr(ctx context.Context, err error) error {
	e.logger.ErrorContext(ctx, "attempt ledger failure", slog.Any("error", err))
	return ErrLedgerUnavailable
}

// RecordFailedAttempt counts one failed login for account. The failure that
// reaches Lockout.Threshold blocks the identity for Lockout.BlockDuration;
// failures while blocked do not extend the block.
func (e *Engine) RecordFailedAttempt(ctx context.Context, account, ip string) (AttemptStatus, error) {
	if !e.ready() {
		return AttemptStatus{}, ErrEngineNotReady
	}
	key, err := e.identityKey(ctx, account, ip)
	if err != nil {
		return AttemptStatus{}, err
	}

	now := e.now()
	state, err := e.ledger.RecordFailure(ctx, key, now)
	if err != nil {
		return AttemptStatus{}, e.ledgerErr(ctx, err)
	}

	e.metricInc(MetricLoginFailure)
	// A block set by this call ends exactly one block duration from now.
	triggered := state.Blocked &&
		state.BlockedUntil.UnixMilli() == now.UnixMilli()+e.config.Lockout.BlockDuration.Milliseconds()
	if triggered {
		e.metricInc(MetricLockoutTriggered)
		e.emitAudit(ctx, auditEventLockoutTriggered, false, "", key, "", ErrAccountBlocked, nil)
	}

	return e.attemptStatus(state), nil
}

// RecordSuccessfulAttempt clears the failure history of account.
func (e *Engine) RecordSuccessfulAttempt(ctx context.Context, account, ip string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	key, err := e.identityKey(ctx, account, ip)
	if err != nil {
		return err
	}
	if err := e.ledger.Reset(ctx, key); err != nil {
		return e.ledgerErr(ctx, err)
	}
	return nil
}

// CheckIfBlocked reports the identity's state. A block that has elapsed is
// cleared as a side effect.
func (e *Engine) CheckIfBlocked(ctx context.Context, account, ip string) (AttemptStatus, error) {
	if !e.ready() {
		return AttemptStatus{}, ErrEngineNotReady
	}
	key, err := e.identityKey(ctx, account, ip)
	if err != nil {
		return AttemptStatus{}, err
	}

	state, err := e.ledger.Check(ctx, key, e.now())
	if err != nil {
		return AttemptStatus{}, e.ledgerErr(ctx, err)
	}
	return e.attemptStatus(state), nil
}

// ClearAttempts is the administrative unblock. Clearing an identity with no
// record is a no-op.
func (e *Engine) ClearAttempts(ctx context.Context, account, ip string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	key, err := e.identityKey(ctx, account, ip)
	if err != nil {
		return err
	}
	if err := e.ledger.Reset(ctx, key); err != nil {
		return e.ledgerErr(ctx, err)
	}

	e.metricInc(MetricAttemptsCleared)
	e.emitAudit(ctx, auditEventAttemptsCleared, true, "", key, "", nil, nil)
	return nil
}

// CleanupExpiredBlocks removes records whose block or tracking horizon has
// elapsed and returns how many were removed.
func (e *Engine) CleanupExpiredBlocks(ctx context.Context) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	removed, err := e.ledger.Cleanup(ctx, e.now())
	if err != nil {
		return removed, e.ledgerErr(ctx, err)
	}
	return removed, nil
}

// GetAttemptStats counts blocked identities and tracked failures.
func (e *Engine) GetAttemptStats(ctx context.Context) (AttemptStats, error) {
	if !e.ready() {
		return AttemptStats{}, ErrEngineNotReady
	}
	blocked, attempts, err := e.ledger.Stats(ctx, e.now())
	if err != nil {
		return AttemptStats{}, e.ledgerErr(ctx, err)
	}
	return AttemptStats{TotalBlocked: blocked, TotalAttempts: attempts}, nil
}

// Login checks the ledger, then the password. A blocked identity gets
// ErrAccountBlocked without the password being looked at; a wrong password
// or unknown account gets ErrInvalidCredentials, or ErrAccountBlocked when
// that failure triggered the block. result.Attempt is filled either way.
func (e *Engine) Login(ctx context.Context, identifier, plain string) (LoginResult, error) {
	if !e.ready() || e.passwordHash == nil {
		return LoginResult{}, ErrEngineNotReady
	}

	status, err := e.CheckIfBlocked(ctx, identifier, "")
	if err != nil {
		return LoginResult{}, err
	}
	key, _ := e.identityKey(ctx, identifier, "")
	if status.Blocked {
		e.metricInc(MetricLoginBlocked)
		e.emitAudit(ctx, auditEventLoginBlocked, false, "", key, "", ErrAccountBlocked, nil)
		return LoginResult{Attempt: status}, ErrAccountBlocked
	}

	lookupCtx, cancel := e.withStoreTimeout(ctx)
	user, err := e.users.GetByIdentifier(lookupCtx, strings.TrimSpace(identifier))
	cancel()
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return LoginResult{}, e.userStoreErr(ctx, err)
	}

	ok := false
	if err == nil && user.PasswordHash != "" {
		ok, err = e.passwordHash.Verify(plain, user.PasswordHash)
		if err != nil {
			e.logger.WarnContext(ctx, "stored password hash unreadable", slog.String("user_id", user.ID))
			ok = false
		}
	} else {
		// Unknown accounts cost the same key derivation as known ones.
		_, _ = e.passwordHash.Verify(plain, e.decoyHash)
	}

	if !ok {
		status, err := e.RecordFailedAttempt(ctx, identifier, "")
		if err != nil {
			return LoginResult{}, err
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, key, "", ErrInvalidCredentials, nil)
		if status.Blocked {
			return LoginResult{Attempt: status}, ErrAccountBlocked
		}
		return LoginResult{Attempt: status}, ErrInvalidCredentials
	}

	if err := e.RecordSuccessfulAttempt(ctx, identifier, ""); err != nil {
		return LoginResult{}, err
	}
	result := LoginResult{
		UserID:   user.ID,
		Username: user.Username,
		Attempt:  AttemptStatus{RemainingAttempts: e.config.Lockout.Threshold},
	}

	if user.Status != UserActive {
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, key, "", ErrAccountInactive, func() map[string]string {
			return map[string]string{"status": string(user.Status)}
		})
		return result, ErrAccountInactive
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, key, "", nil, nil)
	return result, nil
}

func (e *Engine) userStoreErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.WarnContext(ctx, "user store call timed out", slog.Any("error", err))
		return ErrUserStoreUnavailable
	}
	e.logger.ErrorContext(ctx, "user store failure", slog.Any("error", err))
	return ErrUserStoreUnavailable
}
