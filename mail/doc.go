// Package mail delivers credguard notifications.
//
// A [Message] is the {to, subject, html, text} shape every transport accepts.
// [SMTPSender] talks SMTP directly through gomail; [HTTPSender] posts the
// message and its SMTP settings to a mail-send endpoint that answers
// {success, error}. Both honor the context deadline of Send.
//
// Message builders in this package render the OTP, password-changed and
// approval mails. They escape every caller-supplied value.
package mail
