package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/tutoring-contracts/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Port: "8080", Env: "development"},
		Database:  config.DatabaseConfig{Driver: "memory"},
		Scheduler: config.SchedulerConfig{Timezone: "Asia/Ho_Chi_Minh", ReminderDays: 3},
		Business: config.BusinessConfig{
			MinPricePerSession: "50000",
			MaxPricePerSession: "10000000",
			ContractTTL:        72 * time.Hour,
			PaymentTTL:         5 * time.Minute,
			OTPTTL:             5 * time.Minute,
			OTPRateLimit:       3,
			OTPRateWindow:      15 * time.Minute,
			OTPMaxAttempts:     5,
		},
		Gateway: config.GatewayConfig{Timezone: "Asia/Ho_Chi_Minh", AmountMultiplier: 100},
		Health:  config.HealthConfig{Timeout: "1s"},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Memory(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.NotNil(t, a.Contracts)
	assert.NotNil(t, a.Signatures)
	assert.NotNil(t, a.Payments)
	assert.NotNil(t, a.Sweeper)

	swept, err := a.Sweeper.SweepPayments(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, swept)

	rec := httptest.NewRecorder()
	a.Health().Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_RequiresMailOutsideDevelopment(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.Env = "production"

	_, err := New(context.Background(), cfg, discard())
	assert.ErrorContains(t, err, "SMTP_HOST")
}

func TestNew_SMTPMailer(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.Env = "production"
	cfg.Mail = config.MailConfig{SMTPHost: "smtp.example.com", SMTPPort: "587", From: "no-reply@example.com"}

	a, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Signatures.Mailer)
}
