package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

// Config holds all configuration for our application
type Config struct {
	Server    ServerConfig    `mapstructure:",squash"`
	Database  DatabaseConfig  `mapstructure:",squash"`
	Redis     RedisConfig     `mapstructure:",squash"`
	Scheduler SchedulerConfig `mapstructure:",squash"`
	Logging   LoggingConfig   `mapstructure:",squash"`
	Business  BusinessConfig  `mapstructure:",squash"`
	Gateway   GatewayConfig   `mapstructure:",squash"`
	Mail      MailConfig      `mapstructure:",squash"`
	Auth      AuthConfig      `mapstructure:",squash"`
	Health    HealthConfig    `mapstructure:",squash"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"SERVER_PORT"`
	Host         string        `mapstructure:"SERVER_HOST"`
	Env          string        `mapstructure:"ENV"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"DATABASE_DRIVER"` // postgres or memory
	URL             string        `mapstructure:"DATABASE_URL"`
	MaxOpenConns    int           `mapstructure:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"DATABASE_CONN_MAX_LIFETIME"`
}

// DSN returns the connection string handed to sqlx.
func (d DatabaseConfig) DSN() string {
	return d.URL
}

type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     string `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
}

type SchedulerConfig struct {
	SweepSpec    string `mapstructure:"SCHEDULER_SWEEP_SPEC"`
	OverdueSpec  string `mapstructure:"SCHEDULER_OVERDUE_SPEC"`
	ReminderSpec string `mapstructure:"SCHEDULER_REMINDER_SPEC"`
	ReminderDays int    `mapstructure:"SCHEDULER_REMINDER_DAYS"`
	Timezone     string `mapstructure:"SCHEDULER_TIMEZONE"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

type BusinessConfig struct {
	MinPricePerSession string        `mapstructure:"MIN_PRICE_PER_SESSION"`
	MaxPricePerSession string        `mapstructure:"MAX_PRICE_PER_SESSION"`
	ContractTTL        time.Duration `mapstructure:"CONTRACT_TTL"`
	PaymentTTL         time.Duration `mapstructure:"PAYMENT_TTL"`
	OTPTTL             time.Duration `mapstructure:"OTP_TTL"`
	OTPRateLimit       int           `mapstructure:"OTP_RATE_LIMIT"`
	OTPRateWindow      time.Duration `mapstructure:"OTP_RATE_WINDOW"`
	OTPMaxAttempts     int           `mapstructure:"OTP_MAX_ATTEMPTS"`
}

type GatewayConfig struct {
	TmnCode          string `mapstructure:"GATEWAY_TMN_CODE"`
	HashSecret       string `mapstructure:"GATEWAY_HASH_SECRET"`
	PayURL           string `mapstructure:"GATEWAY_PAY_URL"`
	ReturnURL        string `mapstructure:"GATEWAY_RETURN_URL"`
	Timezone         string `mapstructure:"GATEWAY_TIMEZONE"`
	AmountMultiplier int64  `mapstructure:"GATEWAY_AMOUNT_MULTIPLIER"`
}

type MailConfig struct {
	SMTPHost string `mapstructure:"SMTP_HOST"`
	SMTPPort string `mapstructure:"SMTP_PORT"`
	Username string `mapstructure:"SMTP_USERNAME"`
	Password string `mapstructure:"SMTP_PASSWORD"`
	From     string `mapstructure:"MAIL_FROM"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

type HealthConfig struct {
	Timeout string `mapstructure:"HEALTH_CHECK_TIMEOUT"`
}

// Load reads configuration from environment variables and files
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()

	// Try to read from .env file (optional)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./deployments")

	// Don't fail if .env file doesn't exist
	_ = v.ReadInConfig()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults registers every key; viper only unmarshals keys it knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")

	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "30m")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SCHEDULER_SWEEP_SPEC", "0 * * * * *")
	v.SetDefault("SCHEDULER_OVERDUE_SPEC", "0 0 0 * * *")
	v.SetDefault("SCHEDULER_REMINDER_SPEC", "0 0 9 * * *")
	v.SetDefault("SCHEDULER_REMINDER_DAYS", 3)
	v.SetDefault("SCHEDULER_TIMEZONE", "Asia/Ho_Chi_Minh")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("MIN_PRICE_PER_SESSION", "50000")
	v.SetDefault("MAX_PRICE_PER_SESSION", "10000000")
	v.SetDefault("CONTRACT_TTL", "72h")
	v.SetDefault("PAYMENT_TTL", "5m")
	v.SetDefault("OTP_TTL", "5m")
	v.SetDefault("OTP_RATE_LIMIT", 3)
	v.SetDefault("OTP_RATE_WINDOW", "15m")
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)

	v.SetDefault("GATEWAY_TMN_CODE", "")
	v.SetDefault("GATEWAY_HASH_SECRET", "")
	v.SetDefault("GATEWAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html")
	v.SetDefault("GATEWAY_RETURN_URL", "http://localhost:8080/api/v1/payments/gateway/return")
	v.SetDefault("GATEWAY_TIMEZONE", "Asia/Ho_Chi_Minh")
	v.SetDefault("GATEWAY_AMOUNT_MULTIPLIER", 100)

	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", "587")
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("MAIL_FROM", "no-reply@tutoring.local")

	v.SetDefault("JWT_SECRET", "")

	v.SetDefault("HEALTH_CHECK_TIMEOUT", "5s")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	minPrice, err := decimal.NewFromString(c.Business.MinPricePerSession)
	if err != nil {
		return fmt.Errorf("MIN_PRICE_PER_SESSION must be a valid decimal: %w", err)
	}
	maxPrice, err := decimal.NewFromString(c.Business.MaxPricePerSession)
	if err != nil {
		return fmt.Errorf("MAX_PRICE_PER_SESSION must be a valid decimal: %w", err)
	}
	if !minPrice.IsPositive() || maxPrice.LessThan(minPrice) {
		return fmt.Errorf("price bounds must satisfy 0 < MIN_PRICE_PER_SESSION <= MAX_PRICE_PER_SESSION")
	}

	for name, d := range map[string]time.Duration{
		"CONTRACT_TTL":    c.Business.ContractTTL,
		"PAYMENT_TTL":     c.Business.PaymentTTL,
		"OTP_TTL":         c.Business.OTPTTL,
		"OTP_RATE_WINDOW": c.Business.OTPRateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	if c.Business.OTPRateLimit <= 0 {
		return fmt.Errorf("OTP_RATE_LIMIT must be greater than 0")
	}

	if c.Business.OTPMaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be greater than 0")
	}

	if c.Gateway.AmountMultiplier <= 0 {
		return fmt.Errorf("GATEWAY_AMOUNT_MULTIPLIER must be greater than 0")
	}

	if _, err := time.LoadLocation(c.Gateway.Timezone); err != nil {
		return fmt.Errorf("GATEWAY_TIMEZONE must be a valid timezone: %w", err)
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("SCHEDULER_TIMEZONE must be a valid timezone: %w", err)
	}

	if !c.IsDevelopment() {
		if c.Gateway.HashSecret == "" {
			return fmt.Errorf("GATEWAY_HASH_SECRET is required outside development")
		}
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required outside development")
		}
	}

	// Validate health check timeout
	if _, err := time.ParseDuration(c.Health.Timeout); err != nil {
		return fmt.Errorf("HEALTH_CHECK_TIMEOUT must be a valid duration: %w", err)
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development" || c.Server.Env == "dev"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// TermBounds returns the configured price bounds for contract validation.
func (c *Config) TermBounds() domain.TermBounds {
	minPrice, _ := decimal.NewFromString(c.Business.MinPricePerSession)
	maxPrice, _ := decimal.NewFromString(c.Business.MaxPricePerSession)
	return domain.TermBounds{MinPricePerSession: minPrice, MaxPricePerSession: maxPrice}
}

// GetHealthTimeout returns the health check timeout as duration
func (c *Config) GetHealthTimeout() time.Duration {
	timeout, _ := time.ParseDuration(c.Health.Timeout)
	return timeout
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}
