package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/wareops/credguard"
)

type errorBody struct {
	Error  string   `json:"error"`
	Code   string   `json:"code,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

func statusFor(code credguard.ErrorCode) int {
	switch code {
	case credguard.CodeValidationFailed:
		return http.StatusBadRequest
	case credguard.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case credguard.CodeAccountInactive, credguard.CodeApprovalInvalid:
		return http.StatusForbidden
	case credguard.CodeOTPNotFound, credguard.CodeFlowNotFound, credguard.CodeAccountNotFound:
		return http.StatusNotFound
	case credguard.CodeOTPExpired:
		return http.StatusGone
	case credguard.CodeOTPMismatch, credguard.CodePasswordReuse:
		return http.StatusUnprocessableEntity
	case credguard.CodeAccountBlocked, credguard.CodeOTPLocked:
		return http.StatusLocked
	case credguard.CodeOTPConsumed, credguard.CodeOTPNotVerified, credguard.CodeFlowStep, credguard.CodeCancelUnconfirmed:
		return http.StatusConflict
	case credguard.CodeResendCooldown, credguard.CodeResendCapReached, credguard.CodeResendBlocked, credguard.CodeRateLimited:
		return http.StatusTooManyRequests
	case credguard.CodeDeliveryFailed:
		return http.StatusBadGateway
	case credguard.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with message, or the generic message for err when
// message is empty.
func fail(c *gin.Context, err error, message string) {
	code := credguard.CodeOf(err)
	if message == "" {
		message = credguard.MessageFor(err)
	}
	c.JSON(statusFor(code), errorBody{Error: message, Code: string(code)})
}

// retryAfter sets the Retry-After header in whole seconds, rounded up.
func retryAfter(c *gin.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	secs := int((wait + time.Second - 1) / time.Second)
	c.Header("Retry-After", strconv.Itoa(secs))
}

// bind decodes the JSON body and reports binding-tag failures as field rules
// such as "email_email".
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func bindQuery(c *gin.Context, dst any) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func badRequest(c *gin.Context, err error) {
	body := errorBody{
		Error: credguard.MessageFor(credguard.ErrValidationFailed),
		Code:  string(credguard.CodeValidationFailed),
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			body.Fields = append(body.Fields, strings.ToLower(fe.Field())+"_"+fe.Tag())
		}
	}
	c.JSON(http.StatusBadRequest, body)
}
