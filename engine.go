package credguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wareops/credguard/approval"
	"github.com/wareops/credguard/internal/audit"
	"github.com/wareops/credguard/internal/flows"
	"github.com/wareops/credguard/internal/limiters"
	"github.com/wareops/credguard/internal/rate"
	"github.com/wareops/credguard/internal/stores"
	"github.com/wareops/credguard/mail"
	"github.com/wareops/credguard/password"
)

// Engine is the credential governance service: attempt ledger, OTP store,
// resend governor and the registration and password reset flows. It is safe
// for concurrent use and for use from several processes sharing one Redis.
type Engine struct {
	config       Config
	now          func() time.Time
	logger       *slog.Logger
	ledger       *limiters.AttemptLedger
	otps         *stores.OTPStore
	resend       *limiters.ResendGovernor
	flowStore    *stores.FlowStore
	throttle     *rate.Limiter
	passwordHash passwordHasher
	decoyHash    string // verified against for unknown accounts
	policy       password.Policy
	signer       *approval.Signer
	users        UserStore
	mailer       mail.Sender
	audit        *audit.Dispatcher
	metrics      *Metrics
	flowDeps     flows.Deps

	cronMu sync.Mutex
	cron   *cron.Cron
}

// passwordHasher is satisfied by *password.Argon2.
type passwordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, encoded string) (bool, error)
}

// Close stops background maintenance and flushes queued audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.StopMaintenance()
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil &&
		e.ledger != nil &&
		e.otps != nil &&
		e.resend != nil &&
		e.flowStore != nil &&
		e.users != nil &&
		e.mailer != nil
}

// withStoreTimeout bounds a collaborator call by Delivery.Timeout.
func (e *Engine) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Delivery.Timeout)
}

// deliver sends msg within Delivery.Timeout. The transport error is logged
// and replaced by ErrDeliveryFailed.
func (e *Engine) deliver(ctx context.Context, msg mail.Message) error {
	sendCtx, cancel := e.withStoreTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := e.mailer.Send(sendCtx, msg)
	if e.metrics != nil {
		e.metrics.Observe(MetricDeliveryLatency, time.Since(start))
	}
	if err != nil {
		e.metricInc(MetricDeliveryFailure)
		e.logger.ErrorContext(ctx, "mail delivery failed",
			slog.String("subject", msg.Subject),
			slog.Any("error", err),
		)
		return ErrDeliveryFailed
	}

	e.metricInc(MetricDeliverySuccess)
	return nil
}
