package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wareops/credguard"
)

type issueRequest struct {
	Destination string `json:"destination" form:"destination" binding:"required,email,max=254"`
	Purpose     string `json:"purpose" form:"purpose" binding:"required,oneof=registration password-reset"`
}

type verifyRequest struct {
	OTPID string `json:"otp_id" binding:"required,uuid"`
	Code  string `json:"code" binding:"required,numeric,max=10"`
}

func (h *Handler) GenerateOTP(c *gin.Context) {
	var req issueRequest
	if !bind(c, &req) {
		return
	}

	issue, err := h.engine.GenerateOTP(ctxOf(c), req.Destination, credguard.Purpose(req.Purpose))
	h.writeIssue(c, issue, err)
}

func (h *Handler) ResendOTP(c *gin.Context) {
	var req issueRequest
	if !bind(c, &req) {
		return
	}

	issue, err := h.engine.ResendOTP(ctxOf(c), req.Destination, credguard.Purpose(req.Purpose))
	h.writeIssue(c, issue, err)
}

func (h *Handler) writeIssue(c *gin.Context, issue credguard.OTPIssue, err error) {
	if err == nil {
		c.JSON(http.StatusCreated, newIssueView(issue))
		return
	}

	switch {
	case errors.Is(err, credguard.ErrResendCooldown):
		retryAfter(c, issue.Resend.CooldownRemaining)
	case errors.Is(err, credguard.ErrResendBlocked):
		retryAfter(c, time.Until(issue.Resend.BlockedUntil))
	}

	message := issue.Message
	if message == "" {
		message = credguard.MessageFor(err)
	}
	code := credguard.CodeOf(err)
	c.JSON(statusFor(code), gin.H{
		"error":  message,
		"code":   code,
		"resend": newResendView(issue.Resend),
	})
}

func (h *Handler) VerifyOTP(c *gin.Context) {
	var req verifyRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.engine.VerifyOTP(ctxOf(c), req.OTPID, req.Code)
	if err != nil {
		code := credguard.CodeOf(err)
		c.JSON(statusFor(code), gin.H{
			"error":              result.Message,
			"code":               code,
			"remaining_attempts": result.RemainingAttempts,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verified": result.Verified,
		"message":  result.Message,
	})
}

func (h *Handler) GetResendStatus(c *gin.Context) {
	var req issueRequest
	if !bindQuery(c, &req) {
		return
	}

	status, err := h.engine.GetResendStatus(ctxOf(c), req.Destination, credguard.Purpose(req.Purpose))
	if err != nil {
		fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, newResendView(status))
}
