package mail

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPConfig is the SMTP account used by [SMTPSender] and forwarded by
// [HTTPSender] to the mail-send endpoint.
type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"user" yaml:"username"`
	Password string `json:"pass,omitempty" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

// SMTPSender sends through an SMTP server.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("mail: smtp host and port required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("mail: smtp from address required")
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}, nil
}

// Send returns when the server accepted the message or ctx is done. gomail
// has no context support, so an abandoned dial finishes in the background.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
