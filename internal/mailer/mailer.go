// Package mailer delivers rendered certificates over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"certmailer/internal/models"
)

// ErrDelivery covers every way a send can fail: connection, TLS,
// authentication or rejection by the relay.
var ErrDelivery = errors.New("delivery failed")

const DefaultTimeout = 60 * time.Second

// Sender delivers one message with one attachment to a recipient.
type Sender interface {
	Send(ctx context.Context, rec models.Recipient, subject, body string, attachment []byte, attachmentName string) error
}

// Config describes the relay. Port 587 with STARTTLS is the default.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	// AllowPlaintext skips the STARTTLS requirement. Only for local relays.
	AllowPlaintext bool
}

// SMTP sends mail through an authenticated submission relay.
type SMTP struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewSMTP(cfg Config, logger *zap.Logger) *SMTP {
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTP{cfg: cfg, logger: logger, now: time.Now}
}

// Send builds the whole message before connecting, then hands it to the relay
// in one session bounded by the configured timeout. Nothing is retried.
func (s *SMTP) Send(ctx context.Context, rec models.Recipient, subject, body string, attachment []byte, attachmentName string) error {
	msg, err := s.message(rec.Email, subject, body, attachment, attachmentName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	client, err := s.client()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	s.logger.Debug("certificate mailed", zap.Int("recipient_index", rec.Index), zap.String("to", rec.Email))
	return nil
}

func (s *SMTP) client() (*mail.Client, error) {
	policy := mail.TLSMandatory
	if s.cfg.AllowPlaintext {
		policy = mail.NoTLS
	}
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
		mail.WithTLSPolicy(policy),
		mail.WithTLSConfig(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password))
	}
	return mail.NewClient(s.cfg.Host, opts...)
}
