package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wareops/credguard"
)

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required,max=254"`
	Password   string `json:"password" binding:"required,max=1024"`
}

// accountRequest names a ledger identity. The address half of the key, when
// the engine uses one, always comes from the resolved client address.
type accountRequest struct {
	Account string `json:"account" form:"account" binding:"required,max=254"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.engine.Login(ctxOf(c), req.Identifier, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, credguard.ErrAccountBlocked):
			retryAfter(c, result.Attempt.BlockTimeRemaining)
			c.JSON(http.StatusLocked, gin.H{
				"error":   result.Attempt.Message,
				"code":    credguard.CodeAccountBlocked,
				"attempt": newAttemptView(result.Attempt),
			})
		case errors.Is(err, credguard.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   result.Attempt.Message,
				"code":    credguard.CodeInvalidCredentials,
				"attempt": newAttemptView(result.Attempt),
			})
		default:
			fail(c, err, "")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  result.UserID,
		"username": result.Username,
	})
}

func (h *Handler) RecordFailedAttempt(c *gin.Context) {
	var req accountRequest
	if !bind(c, &req) {
		return
	}

	status, err := h.engine.RecordFailedAttempt(ctxOf(c), req.Account, "")
	if err != nil {
		fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, newAttemptView(status))
}

func (h *Handler) RecordSuccessfulAttempt(c *gin.Context) {
	var req accountRequest
	if !bind(c, &req) {
		return
	}

	if err := h.engine.RecordSuccessfulAttempt(ctxOf(c), req.Account, ""); err != nil {
		fail(c, err, "")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) CheckIfBlocked(c *gin.Context) {
	var req accountRequest
	if !bindQuery(c, &req) {
		return
	}

	status, err := h.engine.CheckIfBlocked(ctxOf(c), req.Account, "")
	if err != nil {
		fail(c, err, "")
		return
	}
	retryAfter(c, status.BlockTimeRemaining)
	c.JSON(http.StatusOK, newAttemptView(status))
}
