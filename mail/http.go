package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type sendRequest struct {
	Message
	SMTP SMTPConfig `json:"smtp"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HTTPSender posts messages to a mail-send endpoint.
type HTTPSender struct {
	client   *resty.Client
	endpoint string
	smtp     SMTPConfig
}

// NewHTTPSender creates a sender for endpoint. timeout caps each request in
// addition to the caller's context.
func NewHTTPSender(endpoint string, smtp SMTPConfig, timeout time.Duration) (*HTTPSender, error) {
	if endpoint == "" {
		return nil, errors.New("mail: endpoint required")
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPSender{client: client, endpoint: endpoint, smtp: smtp}, nil
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	var result sendResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(sendRequest{Message: msg, SMTP: s.smtp}).
		SetResult(&result).
		SetError(&result).
		Post(s.endpoint)
	if err != nil {
		return fmt.Errorf("mail endpoint request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("mail endpoint returned %d: %s", resp.StatusCode(), result.Error)
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = "unknown error"
		}
		return fmt.Errorf("mail endpoint rejected message: %s", result.Error)
	}
	return nil
}
