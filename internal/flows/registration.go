package flows

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegistrationDetails are the account fields collected at the details step.
type RegistrationDetails struct {
	Username        string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email           string `json:"email" validate:"required,email,max=254"`
	FullName        string `json:"full_name" validate:"required,max=128"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

var detailsValidator = newDetailsValidator()

func newDetailsValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// detailRules turns field validation failures into stable rule ids such as
// "username_required" or "email_format".
func detailRules(details RegistrationDetails) []string {
	err := detailsValidator.Struct(details)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{"details_invalid"}
	}

	rules := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		suffix := "format"
		if fe.Tag() == "required" {
			suffix = "required"
		}
		rules = append(rules, fe.Field()+"_"+suffix)
	}
	return rules
}

// RunSubmitRegistrationDetails validates the account fields, rejects taken
// usernames and emails and sends a registration code to the email.
func RunSubmitRegistrationDetails(ctx context.Context, id string, details RegistrationDetails, deps Deps) (Session, error) {
	normalizeDeps(&deps)
	if !ready(deps) ||
		deps.CheckPassword == nil ||
		deps.HashPassword == nil ||
		deps.UsernameExists == nil ||
		deps.EmailExists == nil {
		return Session{}, deps.Errors.EngineNotReady
	}

	session, err := load(ctx, id, StepDetails, deps)
	if err != nil {
		return session, err
	}
	if session.Kind != KindRegistration {
		return session, deps.Errors.WrongStep
	}

	details.Username = strings.TrimSpace(details.Username)
	details.Email = normalizeEmail(details.Email)
	details.FullName = strings.TrimSpace(details.FullName)

	rules := detailRules(details)
	rules = append(rules, deps.CheckPassword(details.Password, details.ConfirmPassword)...)
	if len(rules) > 0 {
		return fail(ctx, session, deps.Errors.Validation(rules...), Detail{}, deps)
	}

	taken, err := deps.UsernameExists(ctx, details.Username)
	if err != nil {
		return fail(ctx, session, err, Detail{}, deps)
	}
	if taken {
		rules = append(rules, "username_taken")
	}
	taken, err = deps.EmailExists(ctx, details.Email)
	if err != nil {
		return fail(ctx, session, err, Detail{}, deps)
	}
	if taken {
		rules = append(rules, "email_taken")
	}
	if len(rules) > 0 {
		return fail(ctx, session, deps.Errors.Validation(rules...), Detail{}, deps)
	}

	encoded, err := deps.HashPassword(details.Password)
	if err != nil {
		return fail(ctx, session, err, Detail{}, deps)
	}

	otpID, wait, err := deps.IssueOTP(ctx, details.Email, PurposeFor(KindRegistration), false)
	if err != nil {
		return fail(ctx, session, err, Detail{Wait: wait}, deps)
	}

	return advance(ctx, session, StepOTP, func(s *Session) {
		s.Destination = details.Email
		s.Username = details.Username
		s.FullName = details.FullName
		s.PasswordHash = encoded
		s.OTPID = otpID
	}, deps)
}

// completeRegistration creates the account for a verified code and then
// consumes the code. If the account cannot be created the flow goes back to
// the OTP step marked verified, and the next submit retries the write.
func completeRegistration(ctx context.Context, session Session, deps Deps) (Session, error) {
	if deps.CreateUser == nil {
		return session, deps.Errors.EngineNotReady
	}

	if err := deps.CheckOTPUsable(ctx, session.OTPID); err != nil {
		return fail(ctx, session, err, Detail{}, deps)
	}

	claimed, err := claim(ctx, session, deps)
	if err != nil {
		return session, err
	}

	userID, err := deps.CreateUser(ctx, NewUser{
		Username:     claimed.Username,
		Email:        claimed.Destination,
		FullName:     claimed.FullName,
		PasswordHash: claimed.PasswordHash,
	})
	if err != nil {
		return release(ctx, claimed, err, func(s *Session) {
			s.OTPVerified = true
		}, deps)
	}
	consume(ctx, claimed, deps)

	done, err := advance(ctx, claimed, StepSuccess, func(s *Session) {
		s.UserID = userID
		s.PasswordHash = ""
		s.OTPVerified = false
	}, deps)
	if err != nil {
		return done, err
	}
	notify(ctx, done, deps.RequestApproval, deps)
	return done, nil
}
