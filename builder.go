package credguard

import (
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wareops/credguard/approval"
	"github.com/wareops/credguard/internal"
	"github.com/wareops/credguard/internal/audit"
	"github.com/wareops/credguard/internal/limiters"
	"github.com/wareops/credguard/internal/rate"
	"github.com/wareops/credguard/internal/stores"
	"github.com/wareops/credguard/mail"
	"github.com/wareops/credguard/password"
)

// Builder assembles an [Engine]. Configure it once during start-up; a
// builder can be built only once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users     UserStore
	mailer    mail.Sender
	logger    *slog.Logger
	clock     func() time.Time
	auditSink AuditSink

	built bool
}

// New returns a builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared state store. Any go-redis client works,
// including cluster and failover clients.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(users UserStore) *Builder {
	b.users = users
	return b
}

func (b *Builder) WithMailer(sender mail.Sender) *Builder {
	b.mailer = sender
	return b
}

// WithLogger sets the operational logger. Defaults to discarding.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for every expiry, cooldown and block decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.mailer == nil {
		return nil, errors.New("mailer required")
	}

	now := b.clock
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	engine := &Engine{
		config: cfg,
		now:    now,
		logger: logger,
		users:  b.users,
		mailer: b.mailer,
	}

	// -------- STATE STORES --------
	engine.ledger = limiters.NewAttemptLedger(b.redis, limiters.LedgerConfig{
		Threshold:     cfg.Lockout.Threshold,
		BlockDuration: cfg.Lockout.BlockDuration,
		Horizon:       cfg.Lockout.Horizon,
		Prefix:        cfg.Lockout.RedisPrefix,
	})
	engine.otps = stores.NewOTPStore(
		b.redis,
		cfg.OTP.RedisPrefix,
		cfg.OTP.VerifiedIdleTTL,
		cfg.OTP.Retention,
	)
	engine.resend = limiters.NewResendGovernor(b.redis, limiters.ResendConfig{
		Cooldown:      cfg.Resend.Cooldown,
		MaxResends:    cfg.Resend.MaxResends,
		BlockDuration: cfg.Resend.BlockDuration,
		CycleWindow:   cfg.Resend.CycleWindow,
		Prefix:        cfg.Resend.RedisPrefix,
	})
	engine.flowStore = stores.NewFlowStore(b.redis, cfg.Flow.RedisPrefix, cfg.Flow.IdleTTL)
	engine.throttle = rate.New(b.redis, rate.Config{
		Enabled: cfg.Throttle.Enabled,
		Max:     cfg.Throttle.MaxRequests,
		Window:  cfg.Throttle.Window,
		Prefix:  cfg.Throttle.RedisPrefix,
	})

	// -------- PASSWORDS --------
	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	decoy, err := internal.NewNonce()
	if err != nil {
		return nil, err
	}
	if engine.decoyHash, err = ph.Hash(decoy); err != nil {
		return nil, err
	}
	engine.passwordHash = ph
	engine.policy = cfg.Password.Policy

	// -------- APPROVAL --------
	if cfg.Approval.Enabled {
		signer, err := approval.NewSigner(cfg.Approval.Secret, cfg.Approval.MaxAge, cfg.Delivery.AppName, now)
		if err != nil {
			return nil, err
		}
		engine.signer = signer
	}

	// -------- AUDIT & METRICS --------
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Now:        now,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	engine.flowDeps = engine.buildFlowDeps()

	b.built = true

	return engine, nil
}
