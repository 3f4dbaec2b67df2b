package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wareops/credguard"
)

// Options configures the router.
type Options struct {
	// AdminToken guards the /admin routes as a bearer token. Empty leaves
	// them unregistered.
	AdminToken     string
	TrustedProxies []string
	Logger         *slog.Logger
}

// Handler serves the engine's operations.
type Handler struct {
	engine *credguard.Engine
	logger *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(engine *credguard.Engine, opts Options) (*gin.Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{engine: engine, logger: logger}

	r := gin.New()
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery(), requestLogger(logger), clientIP())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ---- login & attempt ledger
	r.POST("/login", h.Login)
	r.GET("/attempts/status", h.CheckIfBlocked)

	// ---- one-time codes
	otp := r.Group("/otp")
	{
		otp.POST("", h.GenerateOTP)
		otp.POST("/verify", h.VerifyOTP)
		otp.POST("/resend", h.ResendOTP)
		otp.GET("/resend-status", h.GetResendStatus)
	}

	// ---- flows
	flows := r.Group("/flows")
	{
		flows.POST("/password-reset", h.StartPasswordReset)
		flows.POST("/registration", h.StartRegistration)
		flows.GET("/:id", h.GetFlow)
		flows.POST("/:id/email", h.SubmitResetEmail)
		flows.POST("/:id/details", h.SubmitRegistrationDetails)
		flows.POST("/:id/otp", h.SubmitFlowOTP)
		flows.POST("/:id/resend", h.ResendFlowOTP)
		flows.POST("/:id/password", h.SubmitNewPassword)
		flows.POST("/:id/cancel", h.CancelFlow)
	}

	// ---- approval links from admin mail
	r.GET("/approvals/approve", h.ApproveRegistration)
	r.GET("/approvals/reject", h.RejectRegistration)

	// ---- admin
	if opts.AdminToken != "" {
		admin := r.Group("/admin", requireBearer(opts.AdminToken))
		{
			// Ledger writes for services that verify passwords themselves.
			admin.POST("/attempts/failed", h.RecordFailedAttempt)
			admin.POST("/attempts/success", h.RecordSuccessfulAttempt)
			admin.DELETE("/attempts", h.ClearAttempts)
			admin.GET("/throttle", h.GetThrottleStatus)
			admin.DELETE("/throttle", h.ClearThrottle)
			admin.GET("/stats", h.Stats)
			admin.POST("/maintenance", h.RunMaintenance)
		}
	}

	return r, nil
}

// clientIP attaches gin's resolved client address to the request context.
func clientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := credguard.WithClientIP(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func requireBearer(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func ctxOf(c *gin.Context) context.Context {
	return c.Request.Context()
}
