package credguard

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wareops/credguard/password"
)

// Config holds every tunable of the engine. Start from [DefaultConfig].
type Config struct {
	Lockout     LockoutConfig
	OTP         OTPConfig
	Resend      ResendConfig
	Flow        FlowConfig
	Password    PasswordConfig
	Delivery    DeliveryConfig
	Approval    ApprovalConfig
	Throttle    ThrottleConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	Maintenance MaintenanceConfig
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// IdentityMode selects what the attempt ledger counts failures under.
type IdentityMode string

const (
	// IdentityAccount keys failures by the normalized account identifier.
	IdentityAccount IdentityMode = "account"
	// IdentityAccountAndIP keys failures by identifier plus client address
	// when one is attached to the context.
	IdentityAccountAndIP IdentityMode = "account+ip"
)

type LockoutConfig struct {
	Threshold     int
	BlockDuration time.Duration
	// Horizon is how long sub-threshold failures are remembered, measured
	// from the first failure of the run.
	Horizon      time.Duration
	IdentityMode IdentityMode
	RedisPrefix  string
}

/*
====================================
OTP CONFIG
====================================
*/

type OTPConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
	// VerifiedIdleTTL bounds how long a verified code waits for its
	// dependent action before it is dead.
	VerifiedIdleTTL time.Duration
	// Retention keeps dead records readable so late calls get a precise error.
	Retention   time.Duration
	RedisPrefix string
}

/*
====================================
RESEND CONFIG
====================================
*/

type ResendConfig struct {
	Cooldown   time.Duration
	MaxResends int
	// BlockDuration is set once the cap is reached. Zero disables the
	// escalation and the cap simply rejects with ErrResendCapReached.
	BlockDuration time.Duration
	CycleWindow   time.Duration
	RedisPrefix   string
}

/*
====================================
FLOW CONFIG
====================================
*/

type FlowConfig struct {
	IdleTTL     time.Duration
	RedisPrefix string
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	Policy      password.Policy
}

/*
====================================
DELIVERY CONFIG
====================================
*/

type DeliveryConfig struct {
	// Timeout bounds every mail send and user store call.
	Timeout time.Duration
	AppName string
	// AdminAddress receives registration approval requests.
	AdminAddress string
	// BaseURL prefixes approve/reject links in approval mails.
	BaseURL string
}

/*
====================================
APPROVAL CONFIG
====================================
*/

type ApprovalConfig struct {
	// Enabled creates registered users as pending-approval and mails the
	// admin signed approve/reject links. Disabled creates them active.
	Enabled bool
	Secret  []byte
	MaxAge  time.Duration
}

/*
====================================
THROTTLE CONFIG
====================================
*/

// ThrottleConfig limits OTP issuance per client address, on top of the
// per-destination resend governor.
type ThrottleConfig struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
	RedisPrefix string
}

/*
====================================
AUDIT & METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
MAINTENANCE CONFIG
====================================
*/

type MaintenanceConfig struct {
	// Schedule is a robfig/cron spec such as "@every 1m".
	Schedule string
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults: lockout after 3 failures
// for 30 minutes, 6-digit codes valid 10 minutes with 3 attempts, and resends
// every 60 seconds up to 3 per cycle followed by a 10 minute block.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			Threshold:     3,
			BlockDuration: 30 * time.Minute,
			Horizon:       30 * time.Minute,
			IdentityMode:  IdentityAccount,
			RedisPrefix:   "cgl",
		},
		OTP: OTPConfig{
			Digits:          6,
			TTL:             10 * time.Minute,
			MaxAttempts:     3,
			VerifiedIdleTTL: 15 * time.Minute,
			Retention:       time.Hour,
			RedisPrefix:     "cgo",
		},
		Resend: ResendConfig{
			Cooldown:      60 * time.Second,
			MaxResends:    3,
			BlockDuration: 10 * time.Minute,
			CycleWindow:   30 * time.Minute,
			RedisPrefix:   "cgr",
		},
		Flow: FlowConfig{
			IdleTTL:     30 * time.Minute,
			RedisPrefix: "cgf",
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			Policy:      password.DefaultPolicy(),
		},
		Delivery: DeliveryConfig{
			Timeout: 10 * time.Second,
			AppName: "credguard",
		},
		Approval: ApprovalConfig{
			Enabled: false,
			MaxAge:  24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			Enabled:     true,
			MaxRequests: 20,
			Window:      10 * time.Minute,
			RedisPrefix: "cgt",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "@every 1m",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Approval.Secret = cloneBytes(cfg.Approval.Secret)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Lockout
	if c.Lockout.Threshold < 1 || c.Lockout.Threshold > 100 {
		return errors.New("Lockout Threshold must be between 1 and 100")
	}
	if c.Lockout.BlockDuration <= 0 {
		return errors.New("Lockout BlockDuration must be > 0")
	}
	if c.Lockout.Horizon <= 0 {
		return errors.New("Lockout Horizon must be > 0")
	}
	if c.Lockout.IdentityMode != IdentityAccount && c.Lockout.IdentityMode != IdentityAccountAndIP {
		return errors.New("Lockout IdentityMode must be 'account' or 'account+ip'")
	}

	// OTP
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be between 6 and 10")
	}
	if c.OTP.TTL <= 0 {
		return errors.New("OTP TTL must be > 0")
	}
	if c.OTP.MaxAttempts < 1 || c.OTP.MaxAttempts > 10 {
		return errors.New("OTP MaxAttempts must be between 1 and 10")
	}
	if c.OTP.VerifiedIdleTTL <= 0 {
		return errors.New("OTP VerifiedIdleTTL must be > 0")
	}
	if c.OTP.Retention < 0 {
		return errors.New("OTP Retention must be >= 0")
	}

	// Resend
	if c.Resend.Cooldown < 0 {
		return errors.New("Resend Cooldown must be >= 0")
	}
	if c.Resend.MaxResends < 1 {
		return errors.New("Resend MaxResends must be >= 1")
	}
	if c.Resend.BlockDuration < 0 {
		return errors.New("Resend BlockDuration must be >= 0")
	}
	if c.Resend.CycleWindow <= 0 {
		return errors.New("Resend CycleWindow must be > 0")
	}

	// Flow
	if c.Flow.IdleTTL <= 0 {
		return errors.New("Flow IdleTTL must be > 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.Policy.MinLength < 1 {
		return errors.New("Password Policy MinLength must be >= 1")
	}
	if c.Password.Policy.MaxLength != 0 && c.Password.Policy.MaxLength < c.Password.Policy.MinLength {
		return errors.New("Password Policy MaxLength must be >= MinLength")
	}

	// Delivery
	if c.Delivery.Timeout <= 0 {
		return errors.New("Delivery Timeout must be > 0")
	}

	// Approval
	if c.Approval.Enabled {
		if len(c.Approval.Secret) < 32 {
			return errors.New("Approval Secret must be at least 32 bytes")
		}
		if c.Approval.MaxAge <= 0 {
			return errors.New("Approval MaxAge must be > 0")
		}
		if strings.TrimSpace(c.Delivery.AdminAddress) == "" {
			return errors.New("Approval requires Delivery AdminAddress")
		}
	}

	// Throttle
	if c.Throttle.Enabled {
		if c.Throttle.MaxRequests < 1 {
			return errors.New("Throttle MaxRequests must be >= 1")
		}
		if c.Throttle.Window <= 0 {
			return errors.New("Throttle Window must be > 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Maintenance
	if c.Maintenance.Schedule != "" {
		if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
			return errors.New("Maintenance Schedule is invalid")
		}
	}

	return nil
}
