package credguard

import (
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Lockout.Threshold != 3 || cfg.Lockout.BlockDuration != 30*time.Minute {
		t.Fatalf("unexpected lockout defaults %+v", cfg.Lockout)
	}
	if cfg.OTP.TTL != 10*time.Minute || cfg.OTP.MaxAttempts != 3 || cfg.OTP.Digits != 6 {
		t.Fatalf("unexpected otp defaults %+v", cfg.OTP)
	}
	if cfg.Resend.Cooldown != 60*time.Second || cfg.Resend.MaxResends != 3 || cfg.Resend.BlockDuration != 10*time.Minute {
		t.Fatalf("unexpected resend defaults %+v", cfg.Resend)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "lockout threshold zero",
			mutate:    func(c *Config) { c.Lockout.Threshold = 0 },
			wantValid: false,
		},
		{
			name:      "lockout identity mode unknown",
			mutate:    func(c *Config) { c.Lockout.IdentityMode = "device" },
			wantValid: false,
		},
		{
			name:      "lockout identity mode account+ip",
			mutate:    func(c *Config) { c.Lockout.IdentityMode = IdentityAccountAndIP },
			wantValid: true,
		},
		{
			name:      "otp digits too short",
			mutate:    func(c *Config) { c.OTP.Digits = 4 },
			wantValid: false,
		},
		{
			name:      "otp ttl zero",
			mutate:    func(c *Config) { c.OTP.TTL = 0 },
			wantValid: false,
		},
		{
			name:      "resend without escalation",
			mutate:    func(c *Config) { c.Resend.BlockDuration = 0 },
			wantValid: true,
		},
		{
			name:      "resend cap zero",
			mutate:    func(c *Config) { c.Resend.MaxResends = 0 },
			wantValid: false,
		},
		{
			name:      "password memory too low",
			mutate:    func(c *Config) { c.Password.Memory = 1024 },
			wantValid: false,
		},
		{
			name:      "policy max below min",
			mutate:    func(c *Config) { c.Password.Policy.MaxLength = 4 },
			wantValid: false,
		},
		{
			name:      "approval without secret",
			mutate:    func(c *Config) { c.Approval.Enabled = true; c.Delivery.AdminAddress = "admin@example.com" },
			wantValid: false,
		},
		{
			name: "approval without admin",
			mutate: func(c *Config) {
				c.Approval.Enabled = true
				c.Approval.Secret = make([]byte, 32)
			},
			wantValid: false,
		},
		{
			name: "approval complete",
			mutate: func(c *Config) {
				c.Approval.Enabled = true
				c.Approval.Secret = make([]byte, 32)
				c.Delivery.AdminAddress = "admin@example.com"
			},
			wantValid: true,
		},
		{
			name:      "throttle window zero",
			mutate:    func(c *Config) { c.Throttle.Window = 0 },
			wantValid: false,
		},
		{
			name:      "maintenance schedule cron",
			mutate:    func(c *Config) { c.Maintenance.Schedule = "*/5 * * * *" },
			wantValid: true,
		},
		{
			name:      "maintenance schedule garbage",
			mutate:    func(c *Config) { c.Maintenance.Schedule = "every so often" },
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWithConfigClonesSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Approval.Secret = []byte("0123456789abcdef0123456789abcdef")

	b := New().WithConfig(cfg)
	cfg.Approval.Secret[0] = 'X'

	if b.config.Approval.Secret[0] != '0' {
		t.Fatal("expected builder to hold its own copy of the secret")
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	_, rdb := newTestRedis(t)

	if _, err := New().WithUserStore(newMockUserStore()).WithMailer(&recordingMailer{}).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithRedis(rdb).WithMailer(&recordingMailer{}).Build(); err == nil {
		t.Fatal("expected error without user store")
	}
	if _, err := New().WithRedis(rdb).WithUserStore(newMockUserStore()).Build(); err == nil {
		t.Fatal("expected error without mailer")
	}

	b := New().WithConfig(testConfig()).WithRedis(rdb).WithUserStore(newMockUserStore()).WithMailer(&recordingMailer{})
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected a builder to be single use")
	}
}
