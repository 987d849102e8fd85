package deliver

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS uses STARTTLS on a plain port instead of implicit TLS.
	StartTLS bool
}

// SMTP sends answers as HTML email.
type SMTP struct {
	cfg SMTPConfig
}

// NewSMTP creates an SMTP transport.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	return &SMTP{cfg: cfg}, nil
}

// Send delivers msg to one email recipient.
func (s *SMTP) Send(ctx context.Context, to Recipient, msg Message) error {
	m, err := s.buildMessage(to, msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (s *SMTP) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithSSLPort(false))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

func (s *SMTP) buildMessage(to Recipient, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("setting sender: %w", err)
	}
	if err := m.To(to.Address); err != nil {
		return nil, fmt.Errorf("setting recipient: %w", err)
	}
	m.Subject(msg.Subject)

	body, err := renderHTML(msg)
	if err != nil {
		return nil, err
	}
	m.SetBodyString(mail.TypeTextHTML, body)

	if len(msg.Screenshot) > 0 {
		if err := m.AttachReader("screenshot.png", bytes.NewReader(msg.Screenshot),
			mail.WithFileContentType(mail.ContentType("image/png"))); err != nil {
			return nil, fmt.Errorf("attaching screenshot: %w", err)
		}
	}
	return m, nil
}
