package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
)

func otpEmail() domain.OTPEmail {
	return domain.OTPEmail{
		To:           "student@example.com",
		Name:         "An Nguyen",
		ContractCode: "CT-20260120-AB12CD",
		Code:         "482913",
		ExpiresAt:    time.Date(2026, 1, 20, 2, 5, 0, 0, time.UTC),
	}
}

func newTestSender(t *testing.T) *SMTPSender {
	t.Helper()
	sender, err := NewSMTPSender(config.MailConfig{
		SMTPHost: "smtp.example.com",
		SMTPPort: "587",
		Username: "mailer",
		Password: "secret",
		From:     "no-reply@tutoring.example",
	}, "Asia/Ho_Chi_Minh")
	require.NoError(t, err)
	return sender
}

func TestSMTPSender_SendOTP(t *testing.T) {
	sender := newTestSender(t)

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	sender.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		gotMsg = string(msg)
		assert.Equal(t, "no-reply@tutoring.example", from)
		return nil
	}

	require.NoError(t, sender.SendOTP(context.Background(), otpEmail()))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"student@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your signing code for contract CT-20260120-AB12CD\r\n")
	assert.Contains(t, gotMsg, "is 482913.")
	// expiry is shown in local time
	assert.Contains(t, gotMsg, "09:05 20/01/2026")
	assert.NotContains(t, strings.ReplaceAll(gotMsg, "\r\n", ""), "\n")
}

func TestSMTPSender_RejectsHeaderInjection(t *testing.T) {
	sender := newTestSender(t)
	sender.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("nothing should be sent")
		return nil
	}

	email := otpEmail()
	email.To = "student@example.com\r\nBcc: attacker@example.com"
	assert.Error(t, sender.SendOTP(context.Background(), email))
}

func TestSMTPSender_SurfacesRelayError(t *testing.T) {
	sender := newTestSender(t)
	sender.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("421 service not available")
	}

	err := sender.SendOTP(context.Background(), otpEmail())
	assert.EqualError(t, err, "421 service not available")
}

func TestSMTPSender_HonoursContext(t *testing.T) {
	sender := newTestSender(t)
	release := make(chan struct{})
	defer close(release)
	sender.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, sender.SendOTP(ctx, otpEmail()), context.DeadlineExceeded)
}

func TestNewSMTPSender_RequiresHost(t *testing.T) {
	_, err := NewSMTPSender(config.MailConfig{SMTPPort: "25"}, "UTC")
	assert.Error(t, err)
}
