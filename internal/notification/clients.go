package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
)

// Notification channels.
const (
	ChannelEmail    = "EMAIL"
	ChannelSMS      = "SMS"
	ChannelWebhook  = "WEBHOOK"
	ChannelInternal = "INTERNAL"
)

// Sender delivers one notification over one channel.
type Sender interface {
	Send(ctx context.Context, n *database.Notification) error
}

// EmailSender delivers over SendGrid or plain SMTP depending on
// configuration.
type EmailSender struct {
	cfg     config.EmailConfig
	limiter *rate.Limiter
}

func NewEmailSender(cfg config.EmailConfig) *EmailSender {
	return &EmailSender{
		cfg:     cfg,
		limiter: perMinuteLimiter(cfg.RateLimitPerMin),
	}
}

func (s *EmailSender) Send(ctx context.Context, n *database.Notification) error {
	if !s.cfg.Enabled {
		return fmt.Errorf("email channel disabled")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if s.cfg.Provider == "sendgrid" {
		return s.sendViaSendGrid(n)
	}
	return s.sendViaSMTP(n)
}

func (s *EmailSender) sendViaSendGrid(n *database.Notification) error {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromAddress)
	to := mail.NewEmail("", n.Recipient)
	message := mail.NewSingleEmail(from, n.Subject, to, n.Body, n.Body)
	client := sendgrid.NewSendClient(s.cfg.SendGridAPIKey)
	resp, err := client.Send(message)
	if err != nil {
		return fmt.Errorf("sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send failed with status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (s *EmailSender) sendViaSMTP(n *database.Notification) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	msg := strings.Join([]string{
		"From: " + s.cfg.FromAddress,
		"To: " + n.Recipient,
		"Subject: " + n.Subject,
		"",
		n.Body,
	}, "\r\n")
	if err := smtp.SendMail(addr, auth, s.cfg.FromAddress, []string{n.Recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// SMSSender delivers over Twilio.
type SMSSender struct {
	cfg     config.SMSConfig
	client  *twilio.RestClient
	limiter *rate.Limiter
}

func NewSMSSender(cfg config.SMSConfig) *SMSSender {
	return &SMSSender{
		cfg: cfg,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.TwilioSID,
			Password: cfg.TwilioToken,
		}),
		limiter: perMinuteLimiter(cfg.RateLimitPerMin),
	}
}

func (s *SMSSender) Send(ctx context.Context, n *database.Notification) error {
	if !s.cfg.Enabled {
		return fmt.Errorf("sms channel disabled")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(n.Recipient)
	params.SetFrom(s.cfg.FromNumber)
	params.SetBody(n.Subject + "\n" + n.Body)
	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}
	return nil
}

// WebhookSender POSTs a signed JSON payload, used for the regulator
// endpoint. The signature is an HMAC-SHA256 of the body with the shared
// secret, hex encoded in the X-Compliance-Signature header.
type WebhookSender struct {
	cfg     config.WebhookConfig
	client  *resty.Client
	limiter *rate.Limiter
}

func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0) // retry policy belongs to the notification manager
	return &WebhookSender{
		cfg:     cfg,
		client:  client,
		limiter: perMinuteLimiter(cfg.RateLimitPerMin),
	}
}

func (s *WebhookSender) Send(ctx context.Context, n *database.Notification) error {
	if !s.cfg.Enabled {
		return fmt.Errorf("webhook channel disabled")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	url := n.Recipient
	if url == "" {
		url = s.cfg.RegulatorURL
	}
	payload, err := json.Marshal(map[string]interface{}{
		"notification_id": n.ID,
		"alert_id":        n.AlertID,
		"tier":            n.Tier,
		"subject":         n.Subject,
		"body":            n.Body,
		"sent_at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	for k, v := range s.cfg.Headers {
		req.SetHeader(k, v)
	}
	if s.cfg.SigningSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.SigningSecret))
		mac.Write(payload)
		req.SetHeader("X-Compliance-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := req.Post(url)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook post failed with status %d", resp.StatusCode())
	}
	return nil
}

// InternalSender marks in-app notifications. The persisted row is the
// inbox item, so delivery is a no-op.
type InternalSender struct{}

func NewInternalSender() *InternalSender { return &InternalSender{} }

func (s *InternalSender) Send(ctx context.Context, n *database.Notification) error {
	return nil
}

func perMinuteLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
}
