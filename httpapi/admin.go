package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wareops/credguard"
)

type approvalQuery struct {
	Token  string `form:"token" binding:"required"`
	UserID string `form:"user" binding:"required"`
}

func (h *Handler) ApproveRegistration(c *gin.Context) {
	var q approvalQuery
	if !bindQuery(c, &q) {
		return
	}
	if err := h.engine.ApproveRegistration(ctxOf(c), q.UserID, q.Token); err != nil {
		fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": credguard.UserActive})
}

func (h *Handler) RejectRegistration(c *gin.Context) {
	var q approvalQuery
	if !bindQuery(c, &q) {
		return
	}
	if err := h.engine.RejectRegistration(ctxOf(c), q.UserID, q.Token); err != nil {
		fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": credguard.UserRejected})
}

type clearRequest struct {
	Account string `form:"account" binding:"required,max=254"`
	IP      string `form:"ip" binding:"omitempty,ip"`
}

// ClearAttempts is the administrative unblock. IP selects an account+ip
// identity and is only accepted here, behind the admin token.
func (h *Handler) ClearAttempts(c *gin.Context) {
	var req clearRequest
	if !bindQuery(c, &req) {
		return
	}
	if err := h.engine.ClearAttempts(ctxOf(c), req.Account, req.IP); err != nil {
		fail(c, err, "")
		return
	}
	c.Status(http.StatusNoContent)
}

type throttleQuery struct {
	IP string `form:"ip" binding:"required,ip"`
}

func (h *Handler) GetThrottleStatus(c *gin.Context) {
	var q throttleQuery
	if !bindQuery(c, &q) {
		return
	}
	status, err := h.engine.GetThrottleStatus(ctxOf(c), q.IP)
	if err != nil {
		fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": status.Requests,
		"limit":    status.Limit,
		"limited":  status.Limited,
	})
}

func (h *Handler) ClearThrottle(c *gin.Context) {
	var q throttleQuery
	if !bindQuery(c, &q) {
		return
	}
	if err := h.engine.ClearThrottle(ctxOf(c), q.IP); err != nil {
		fail(c, err, "")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Stats(c *gin.Context) {
	ctx := ctxOf(c)

	attempts, err := h.engine.GetAttemptStats(ctx)
	if err != nil {
		fail(c, err, "")
		return
	}
	otps, err := h.engine.GetOTPStats(ctx)
	if err != nil {
		fail(c, err, "")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": gin.H{
			"total_blocked":  attempts.TotalBlocked,
			"total_attempts": attempts.TotalAttempts,
		},
		"otps": gin.H{
			"total_active":  otps.TotalActive,
			"total_expired": otps.TotalExpired,
		},
		"audit_dropped": h.engine.AuditDropped(),
	})
}

func (h *Handler) RunMaintenance(c *gin.Context) {
	report, err := h.engine.RunMaintenance(ctxOf(c))
	if err != nil {
		fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"blocks_cleared": report.BlocksCleared,
		"otps_removed":   report.OTPsRemoved,
	})
}
