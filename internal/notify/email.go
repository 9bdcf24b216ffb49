package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
)

var otpTemplate = template.Must(template.New("otp").Parse(`From: {{.From}}
To: {{.To}}
Subject: Your signing code for contract {{.ContractCode}}
MIME-Version: 1.0
Content-Type: text/plain; charset="UTF-8"

Hello {{.Name}},

Your code to sign contract {{.ContractCode}} is {{.Code}}.
It expires at {{.ExpiresAt}} and can be used once.

If you did not ask for this code you can ignore this email.
`))

type otpMessage struct {
	From string
	domain.OTPEmail
	ExpiresAt string
}

func renderOTP(from string, email domain.OTPEmail, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	err := otpTemplate.Execute(&buf, otpMessage{
		From:      from,
		OTPEmail:  email,
		ExpiresAt: email.ExpiresAt.In(loc).Format("15:04 02/01/2006"),
	})
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(buf.Bytes(), []byte("\n"), []byte("\r\n")), nil
}

// SMTPSender sends signing codes through an SMTP relay.
type SMTPSender struct {
	addr     string
	from     string
	auth     smtp.Auth
	location *time.Location
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.MailConfig, timezone string) (*SMTPSender, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("SMTP_HOST is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load mail timezone: %w", err)
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}

	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.SMTPHost, cfg.SMTPPort),
		from:     cfg.From,
		auth:     auth,
		location: loc,
		send:     smtp.SendMail,
	}, nil
}

func (s *SMTPSender) SendOTP(ctx context.Context, email domain.OTPEmail) error {
	if strings.ContainsAny(email.To, "\r\n") {
		return fmt.Errorf("invalid recipient address")
	}
	msg, err := renderOTP(s.from, email, s.location)
	if err != nil {
		return fmt.Errorf("render otp email: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.addr, s.auth, s.from, []string{email.To}, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender writes codes to the log instead of sending them. Development only.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendOTP(_ context.Context, email domain.OTPEmail) error {
	s.logger.Info("otp email (not sent)",
		"to", email.To,
		"contract_code", email.ContractCode,
		"code", email.Code,
		"expires_at", email.ExpiresAt,
	)
	return nil
}
