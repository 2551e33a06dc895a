package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/Skotchmaster/auth_service/internal/logging"
)

var ErrNotifierConfig = errors.New("notifier misconfigured")

type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	DisplayName string
	From        string
	EnableSSL   bool
	Timeout     time.Duration
}

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

// SMTP delivers HTML messages through an authenticated SMTP relay.
type SMTP struct {
	cfg    SMTPConfig
	client mailSender
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.Username == "" {
		return nil, fmt.Errorf("%w: smtp host and username are required", ErrNotifierConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.EnableSSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotifierConfig, err)
	}
	return &SMTP{cfg: cfg, client: client}, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, body string) error {
	m := mail.NewMsg()
	if err := m.FromFormat(s.cfg.DisplayName, s.cfg.From); err != nil {
		return fmt.Errorf("smtp: from: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("smtp: to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextHTML, body)

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp: send: %w", err)
	}
	logging.FromContext(ctx).Debug("mail_sent", "to", to, "subject", subject)
	return nil
}

// Log writes messages to the context logger instead of delivering them.
// Useful in development where no SMTP relay exists.
type Log struct {
	Logger *slog.Logger
}

func (n Log) Send(ctx context.Context, to, subject, body string) error {
	l := n.Logger
	if l == nil {
		l = logging.FromContext(ctx)
	}
	l.Info("mail_not_sent", "to", to, "subject", subject, "body", strings.TrimSpace(body))
	return nil
}
