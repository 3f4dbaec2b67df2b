package credguard

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wareops/credguard/approval"
	"github.com/wareops/credguard/mail"
)

// ApproveRegistration activates a pending account. token must be the
// approve token mailed to the admin for userID and younger than
// Approval.MaxAge.
func (e *Engine) ApproveRegistration(ctx context.Context, userID, token string) error {
	return e.decideRegistration(ctx, userID, token, approval.ActionApprove)
}

// RejectRegistration marks a pending account rejected.
func (e *Engine) RejectRegistration(ctx context.Context, userID, token string) error {
	return e.decideRegistration(ctx, userID, token, approval.ActionReject)
}

func (e *Engine) decideRegistration(ctx context.Context, userID, token, action string) error {
	if !e.ready() || e.signer == nil {
		return ErrEngineNotReady
	}

	if _, err := e.signer.Verify(token, userID, action); err != nil {
		e.emitAudit(ctx, auditEventRegistrationDecided, false, userID, "", "", ErrApprovalInvalid, func() map[string]string {
			return map[string]string{"action": action, "reason": approvalReason(err)}
		})
		return ErrApprovalInvalid
	}

	lookupCtx, cancel := e.withStoreTimeout(ctx)
	user, err := e.users.GetByID(lookupCtx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return e.userStoreErr(ctx, err)
	}
	if user.Status != UserPendingApproval {
		return ErrApprovalInvalid
	}

	status, metric := UserActive, MetricRegistrationApproved
	if action == approval.ActionReject {
		status, metric = UserRejected, MetricRegistrationRejected
	}

	writeCtx, cancel := e.withStoreTimeout(ctx)
	err = e.users.UpdateStatus(writeCtx, userID, status)
	cancel()
	if err != nil {
		return e.userStoreErr(ctx, err)
	}

	e.metricInc(metric)
	e.emitAudit(ctx, auditEventRegistrationDecided, true, userID, user.Email, "", nil, func() map[string]string {
		return map[string]string{"action": action}
	})

	msg := mail.ApprovalResultMessage(e.config.Delivery.AppName, user.Email, status == UserActive)
	if err := e.deliver(ctx, msg); err != nil {
		e.logger.WarnContext(ctx, "registration decision notice not sent", slog.String("user_id", userID))
	}
	return nil
}

func approvalReason(err error) string {
	switch {
	case errors.Is(err, approval.ErrTokenExpired):
		return "expired"
	case errors.Is(err, approval.ErrTokenMismatch):
		return "mismatch"
	default:
		return "invalid"
	}
}
