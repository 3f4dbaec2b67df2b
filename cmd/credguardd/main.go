// Command credguardd serves the credguard engine over HTTP.
//
// Configuration comes from a YAML file, a .env file and CREDGUARD_*
// variables (see internal/appconfig). With no Redis address configured it
// runs an embedded in-memory Redis, which keeps state for one process only.
//
// Run:
//
//	go run ./cmd/credguardd -config credguard.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/wareops/credguard"
	"github.com/wareops/credguard/httpapi"
	"github.com/wareops/credguard/internal/appconfig"
	"github.com/wareops/credguard/mail"
	"github.com/wareops/credguard/metrics/export/prometheus"
	"github.com/wareops/credguard/userstore"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML config file")
		envFile    = flag.String("env", ".env", "dotenv file loaded before the config; missing is fine")
	)
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "credguardd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := appconfig.Load(configPath, envFile)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------- infrastructure ----------
	client, closeRedis, err := openRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	users, err := userstore.Open(userstore.DBConfig{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer users.Close()

	mailer, err := newMailer(cfg.Mail, logger)
	if err != nil {
		return err
	}

	// ---------- engine ----------
	engine, err := credguard.New().
		WithConfig(cfg.Engine()).
		WithRedis(client).
		WithUserStore(users).
		WithMailer(mailer).
		WithLogger(logger).
		WithAuditSink(credguard.NewSlogSink(logger.With(slog.String("stream", "audit")))).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	if err := engine.StartMaintenance(""); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	// ---------- http ----------
	gin.SetMode(gin.ReleaseMode)
	router, err := httpapi.NewRouter(engine, httpapi.Options{
		AdminToken:     cfg.Server.AdminToken,
		TrustedProxies: cfg.Server.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	router.GET("/metrics", gin.WrapH(prometheus.New(engine).Handler()))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openRedis(ctx context.Context, cfg appconfig.RedisConfig, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	addr := cfg.Addr
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		addr = mr.Addr()
		logger.Warn("no redis address configured; using embedded in-memory redis", slog.String("addr", addr))
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	cleanup := func() {
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	}

	if err := client.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, cleanup, nil
}

func newMailer(cfg appconfig.MailConfig, logger *slog.Logger) (mail.Sender, error) {
	switch cfg.Mode {
	case "smtp":
		sender, err := mail.NewSMTPSender(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		return sender, nil
	case "http":
		sender, err := mail.NewHTTPSender(cfg.Endpoint, cfg.SMTP, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return sender, nil
	default:
		logger.Warn("mail mode is log; messages are not delivered")
		return mail.SenderFunc(func(ctx context.Context, msg mail.Message) error {
			logger.InfoContext(ctx, "mail not sent",
				slog.String("to", msg.To),
				slog.String("subject", msg.Subject),
			)
			return nil
		}), nil
	}
}
