package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wareops/credguard"
)

type emailRequest struct {
	Email string `json:"email" binding:"required,email,max=254"`
}

type detailsRequest struct {
	Username        string `json:"username" binding:"required"`
	Email           string `json:"email" binding:"required"`
	FullName        string `json:"full_name"`
	Password        string `json:"password" binding:"required,max=1024"`
	ConfirmPassword string `json:"confirm_password" binding:"required,max=1024"`
}

type codeRequest struct {
	Code string `json:"code" binding:"required,numeric,max=10"`
}

type passwordRequest struct {
	Password        string `json:"password" binding:"required,max=1024"`
	ConfirmPassword string `json:"confirm_password" binding:"required,max=1024"`
}

type cancelRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (h *Handler) StartPasswordReset(c *gin.Context) {
	state, err := h.engine.StartPasswordReset(ctxOf(c))
	writeFlow(c, http.StatusCreated, state, err)
}

func (h *Handler) StartRegistration(c *gin.Context) {
	state, err := h.engine.StartRegistration(ctxOf(c))
	writeFlow(c, http.StatusCreated, state, err)
}

func (h *Handler) GetFlow(c *gin.Context) {
	state, err := h.engine.GetFlow(ctxOf(c), c.Param("id"))
	writeFlow(c, http.StatusOK, state, err)
}

func (h *Handler) SubmitResetEmail(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	state, err := h.engine.SubmitResetEmail(ctxOf(c), c.Param("id"), req.Email)
	writeFlow(c, http.StatusOK, state, err)
}

// SubmitRegistrationDetails leaves field format checks to the engine so the
// flow records which rules failed.
func (h *Handler) SubmitRegistrationDetails(c *gin.Context) {
	var req detailsRequest
	if !bind(c, &req) {
		return
	}
	state, err := h.engine.SubmitRegistrationDetails(ctxOf(c), c.Param("id"), credguard.RegistrationDetails{
		Username:        req.Username,
		Email:           req.Email,
		FullName:        req.FullName,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	writeFlow(c, http.StatusOK, state, err)
}

func (h *Handler) SubmitFlowOTP(c *gin.Context) {
	var req codeRequest
	if !bind(c, &req) {
		return
	}
	state, err := h.engine.SubmitFlowOTP(ctxOf(c), c.Param("id"), req.Code)
	writeFlow(c, http.StatusOK, state, err)
}

func (h *Handler) ResendFlowOTP(c *gin.Context) {
	state, err := h.engine.ResendFlowOTP(ctxOf(c), c.Param("id"))
	if err != nil && state.Resend != nil {
		retryAfter(c, state.Resend.CooldownRemaining)
	}
	writeFlow(c, http.StatusOK, state, err)
}

func (h *Handler) SubmitNewPassword(c *gin.Context) {
	var req passwordRequest
	if !bind(c, &req) {
		return
	}
	state, err := h.engine.SubmitNewPassword(ctxOf(c), c.Param("id"), req.Password, req.ConfirmPassword)
	writeFlow(c, http.StatusOK, state, err)
}

func (h *Handler) CancelFlow(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	if err := h.engine.CancelFlow(ctxOf(c), c.Param("id"), req.Confirmed); err != nil {
		fail(c, err, "")
		return
	}
	c.Status(http.StatusNoContent)
}

// writeFlow renders state. A failed step still has a session, so the body
// carries the flow with its error for the UI to render in place.
func writeFlow(c *gin.Context, okStatus int, state credguard.FlowState, err error) {
	if err == nil {
		c.JSON(okStatus, newFlowView(state))
		return
	}
	if state.ID == "" {
		fail(c, err, "")
		return
	}

	message := state.Error
	if message == "" {
		message = credguard.MessageFor(err)
	}
	code := credguard.CodeOf(err)
	c.JSON(statusFor(code), gin.H{
		"error": message,
		"code":  code,
		"flow":  newFlowView(state),
	})
}
