package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"finances/internal/log"
)

const (
	DefaultResendURL = "https://api.resend.com/emails"
	DefaultFrom      = "Personal Finance Tracker <noreply@personal-finances.app>"
)

// Mailer delivers a rendered email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// DeliveryError reports a non-2xx answer from the mail provider.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("mail provider returned %d: %s", e.Status, e.Body)
}

// ResendMailer sends through the Resend HTTP API.
type ResendMailer struct {
	apiKey     string
	endpoint   string
	from       string
	httpClient *http.Client
	logger     *log.Logger
}

type ResendConfig struct {
	APIKey   string
	Endpoint string
	From     string
	Timeout  time.Duration
}

func NewResendMailer(cfg ResendConfig, logger *log.Logger) *ResendMailer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultResendURL
	}
	if cfg.From == "" {
		cfg.From = DefaultFrom
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ResendMailer{
		apiKey:     cfg.APIKey,
		endpoint:   cfg.Endpoint,
		from:       cfg.From,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.Or(logger, log.ComponentMailer),
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *ResendMailer) Send(ctx context.Context, e Email) error {
	body, err := json.Marshal(resendRequest{From: m.from, To: []string{e.To}, Subject: e.Subject, HTML: e.HTML})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var sent struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &sent)
	m.logger.InfoContext(ctx, "Email sent", log.FieldOperation, log.OpSend, "message_id", sent.ID)
	return nil
}
