package mail

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
)

// Message is one outbound mail.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Sender delivers messages. Implementations must return once ctx is done.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("mail: empty recipient")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("mail: empty subject")
	}
	if m.HTML == "" && m.Text == "" {
		return fmt.Errorf("mail: empty body")
	}
	return nil
}

// OTPMessage renders the code mail. purpose is shown to the user as-is
// ("registration", "password-reset").
func OTPMessage(appName, to, purpose, code string, ttl time.Duration) Message {
	action := "complete your registration"
	if purpose == "password-reset" {
		action = "reset your password"
	}
	minutes := int(ttl.Round(time.Minute) / time.Minute)

	return Message{
		To:      to,
		Subject: fmt.Sprintf("%s verification code", appName),
		HTML: fmt.Sprintf(`
		<h3>Your verification code</h3>
		<p>Use this code to %s:</p>
		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>
		<p>The code expires in %d minutes. If you did not request it, you can ignore this email.</p>
	`, action, html.EscapeString(code), minutes),
		Text: fmt.Sprintf("Use this code to %s: %s\nThe code expires in %d minutes.", action, code, minutes),
	}
}

// PasswordChangedMessage confirms a completed password reset.
func PasswordChangedMessage(appName, to string, at time.Time) Message {
	when := at.UTC().Format(time.RFC1123)
	return Message{
		To:      to,
		Subject: fmt.Sprintf("%s password changed", appName),
		HTML: fmt.Sprintf(`
		<h3>Your password was changed</h3>
		<p>The password for your %s account was changed on %s.</p>
		<p>If this was not you, contact your administrator immediately.</p>
	`, html.EscapeString(appName), when),
		Text: fmt.Sprintf("The password for your %s account was changed on %s.", appName, when),
	}
}

// ApprovalRequestMessage asks the administrator to approve a new account.
func ApprovalRequestMessage(appName, admin, username, fullName, email, approveURL, rejectURL string) Message {
	return Message{
		To:      admin,
		Subject: fmt.Sprintf("%s: new registration awaiting approval", appName),
		HTML: fmt.Sprintf(`
		<h3>New registration</h3>
		<p><strong>%s</strong> (%s) registered as <strong>%s</strong>.</p>
		<p><a href="%s">Approve</a> &nbsp; <a href="%s">Reject</a></p>
		<p>These links expire in 24 hours.</p>
	`, html.EscapeString(fullName), html.EscapeString(email), html.EscapeString(username),
			html.EscapeString(approveURL), html.EscapeString(rejectURL)),
		Text: fmt.Sprintf("%s (%s) registered as %s.\nApprove: %s\nReject: %s", fullName, email, username, approveURL, rejectURL),
	}
}

// ApprovalResultMessage tells the user whether their account was approved.
func ApprovalResultMessage(appName, to string, approved bool) Message {
	if approved {
		return Message{
			To:      to,
			Subject: fmt.Sprintf("%s account approved", appName),
			HTML:    "<h3>Your account was approved</h3><p>You can now sign in.</p>",
			Text:    "Your account was approved. You can now sign in.",
		}
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("%s registration declined", appName),
		HTML:    "<h3>Your registration was declined</h3><p>Contact your administrator for details.</p>",
		Text:    "Your registration was declined. Contact your administrator for details.",
	}
}
