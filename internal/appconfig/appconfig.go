// Package appconfig loads the credguardd daemon configuration from YAML, a
// .env file and the environment, in that order of precedence (last wins).
package appconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/wareops/credguard"
	"github.com/wareops/credguard/mail"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Mail        MailConfig        `yaml:"mail"`
	App         AppConfig         `yaml:"app"`
	Lockout     LockoutConfig     `yaml:"lockout"`
	OTP         OTPConfig         `yaml:"otp"`
	Resend      ResendConfig      `yaml:"resend"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	AdminToken      string        `yaml:"admin_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig with an empty Addr runs an embedded in-memory server, which
// is only suitable for a single local instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// MailConfig.Mode is "smtp", "http" (a mail-send endpoint) or "log", which
// only logs recipients and subjects.
type MailConfig struct {
	Mode     string          `yaml:"mode"`
	Endpoint string          `yaml:"endpoint"`
	Timeout  time.Duration   `yaml:"timeout"`
	SMTP     mail.SMTPConfig `yaml:"smtp"`
}

type AppConfig struct {
	Name         string `yaml:"name"`
	BaseURL      string `yaml:"base_url"`
	AdminAddress string `yaml:"admin_address"`
}

type LockoutConfig struct {
	Threshold     int           `yaml:"threshold"`
	BlockDuration time.Duration `yaml:"block_duration"`
	IdentityMode  string        `yaml:"identity_mode"`
}

type OTPConfig struct {
	Digits      int           `yaml:"digits"`
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ResendConfig struct {
	Cooldown      time.Duration `yaml:"cooldown"`
	MaxResends    int           `yaml:"max_resends"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

type ApprovalConfig struct {
	Enabled bool          `yaml:"enabled"`
	Secret  string        `yaml:"secret"`
	MaxAge  time.Duration `yaml:"max_age"`
}

type MaintenanceConfig struct {
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default mirrors credguard.DefaultConfig for the engine sections.
func Default() Config {
	engine := credguard.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "credguard.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Mail: MailConfig{
			Mode:    "log",
			Timeout: engine.Delivery.Timeout,
		},
		App: AppConfig{
			Name: engine.Delivery.AppName,
		},
		Lockout: LockoutConfig{
			Threshold:     engine.Lockout.Threshold,
			BlockDuration: engine.Lockout.BlockDuration,
			IdentityMode:  string(engine.Lockout.IdentityMode),
		},
		OTP: OTPConfig{
			Digits:      engine.OTP.Digits,
			TTL:         engine.OTP.TTL,
			MaxAttempts: engine.OTP.MaxAttempts,
		},
		Resend: ResendConfig{
			Cooldown:      engine.Resend.Cooldown,
			MaxResends:    engine.Resend.MaxResends,
			BlockDuration: engine.Resend.BlockDuration,
		},
		Approval: ApprovalConfig{
			MaxAge: engine.Approval.MaxAge,
		},
		Maintenance: MaintenanceConfig{
			Schedule: engine.Maintenance.Schedule,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads envFile (a missing file is ignored), then path if non-empty,
// expanding ${VAR} references in the YAML, then applies CREDGUARD_*
// overrides.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("appconfig: %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("appconfig: %w", err)
		}
		if err := decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("appconfig: %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(raw []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(raw))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("CREDGUARD_ADDR", cfg.Server.Addr)
	cfg.Server.AdminToken = getEnv("CREDGUARD_ADMIN_TOKEN", cfg.Server.AdminToken)
	cfg.Redis.Addr = getEnv("CREDGUARD_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("CREDGUARD_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("CREDGUARD_REDIS_DB", cfg.Redis.DB)
	cfg.Database.Driver = getEnv("CREDGUARD_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("CREDGUARD_DB_DSN", cfg.Database.DSN)
	cfg.Mail.Mode = getEnv("CREDGUARD_MAIL_MODE", cfg.Mail.Mode)
	cfg.Mail.Endpoint = getEnv("CREDGUARD_MAIL_ENDPOINT", cfg.Mail.Endpoint)
	cfg.Mail.SMTP.Password = getEnv("CREDGUARD_SMTP_PASSWORD", cfg.Mail.SMTP.Password)
	cfg.Approval.Secret = getEnv("CREDGUARD_APPROVAL_SECRET", cfg.Approval.Secret)
	cfg.Log.Level = getEnv("CREDGUARD_LOG_LEVEL", cfg.Log.Level)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Validate checks the daemon sections, then the engine configuration they
// produce.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server addr required")
	}
	switch c.Mail.Mode {
	case "log":
	case "smtp":
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.From == "" {
			return errors.New("mail smtp host and from required")
		}
	case "http":
		if c.Mail.Endpoint == "" {
			return errors.New("mail endpoint required in http mode")
		}
	default:
		return fmt.Errorf("mail mode %q is not smtp, http or log", c.Mail.Mode)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log format %q is not json or text", c.Log.Format)
	}

	engine := c.Engine()
	return engine.Validate()
}

// Engine builds the library configuration.
func (c Config) Engine() credguard.Config {
	cfg := credguard.DefaultConfig()

	cfg.Lockout.Threshold = c.Lockout.Threshold
	cfg.Lockout.BlockDuration = c.Lockout.BlockDuration
	cfg.Lockout.IdentityMode = credguard.IdentityMode(c.Lockout.IdentityMode)

	cfg.OTP.Digits = c.OTP.Digits
	cfg.OTP.TTL = c.OTP.TTL
	cfg.OTP.MaxAttempts = c.OTP.MaxAttempts

	cfg.Resend.Cooldown = c.Resend.Cooldown
	cfg.Resend.MaxResends = c.Resend.MaxResends
	cfg.Resend.BlockDuration = c.Resend.BlockDuration

	cfg.Delivery.Timeout = c.Mail.Timeout
	cfg.Delivery.AppName = c.App.Name
	cfg.Delivery.AdminAddress = c.App.AdminAddress
	cfg.Delivery.BaseURL = strings.TrimRight(c.App.BaseURL, "/")

	cfg.Approval.Enabled = c.Approval.Enabled
	if c.Approval.Secret != "" {
		cfg.Approval.Secret = []byte(c.Approval.Secret)
	}
	cfg.Approval.MaxAge = c.Approval.MaxAge

	cfg.Maintenance.Schedule = c.Maintenance.Schedule
	cfg.Audit.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	return cfg
}

// Logger builds the process logger described by c.Log.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
