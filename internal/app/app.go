// Package app wires configuration, storage and services into the objects
// the binaries run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/gateway"
	"github.com/segyhp/tutoring-contracts/internal/handler"
	"github.com/segyhp/tutoring-contracts/internal/notify"
	"github.com/segyhp/tutoring-contracts/internal/repository"
	"github.com/segyhp/tutoring-contracts/internal/repository/memory"
	"github.com/segyhp/tutoring-contracts/internal/service"
)

const rateLimitPrefix = "ratelimit:"

// App holds the wired services of one process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *sqlx.DB
	Redis   *redis.Client
	Gateway *gateway.VNPay

	Signatures *service.SignatureService
	Contracts  *service.ContractService
	Sweeper    *service.Sweeper
	Payments   *service.ReconciliationService
}

type stores struct {
	contracts repository.ContractRepository
	schedules repository.ScheduleRepository
	payments  repository.PaymentRepository
	otps      repository.OTPRepository
	limiter   repository.RateLimiter
}

type publisher interface {
	service.ClassActivator
	service.SessionPaymentPublisher
	service.Notifier
}

// New connects to the configured backends and builds every service.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	gw, err := gateway.NewVNPay(cfg.Gateway)
	if err != nil {
		return nil, fmt.Errorf("init gateway: %w", err)
	}
	a.Gateway = gw

	var (
		repos  stores
		events publisher
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory storage, data is lost on exit")
		store := memory.NewStore()
		repos = stores{store.Contracts(), store.Schedules(), store.Payments(), store.OTPs(), store.RateLimiter()}
		events = notify.NewLogPublisher(logger)

	default:
		if a.DB, err = initDB(cfg); err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		if a.Redis, err = initRedis(ctx, cfg, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		repos = stores{
			contracts: repository.NewContractRepository(a.DB),
			schedules: repository.NewScheduleRepository(a.DB),
			payments:  repository.NewPaymentRepository(a.DB),
			otps:      repository.NewOTPRepository(a.DB),
			limiter:   repository.NewRedisRateLimiter(a.Redis, rateLimitPrefix),
		}
		events = notify.NewRedisPublisher(a.Redis, logger)
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Signatures = service.NewSignatureService(repos.contracts, repos.otps, repos.limiter, mailer, cfg, logger)
	a.Contracts = service.NewContractService(repos.contracts, repos.schedules, a.Signatures, events, events, cfg, logger)
	a.Sweeper = service.NewSweeper(repos.contracts, repos.schedules, repos.payments, events, cfg, logger)
	a.Payments = service.NewReconciliationService(repos.contracts, repos.schedules, repos.payments,
		gw, events, events, a.Sweeper, cfg, logger)

	return a, nil
}

// Health returns the readiness checks for the connected backends.
func (a *App) Health() *handler.HealthHandler {
	health := handler.NewHealthHandler(a.Config.GetHealthTimeout())
	if a.DB != nil {
		health.WithDatabase(a.DB)
	}
	if a.Redis != nil {
		health.WithRedis(a.Redis)
	}
	return health
}

// Close releases the backend connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("closing redis", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("closing database", "error", err)
		}
	}
}

func initDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	return db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("connected to redis", "addr", cfg.RedisAddr(), "db", cfg.Redis.DB)
	return client, nil
}

func newMailer(cfg *config.Config, logger *slog.Logger) (service.EmailSender, error) {
	if cfg.Mail.SMTPHost != "" {
		sender, err := notify.NewSMTPSender(cfg.Mail, cfg.Scheduler.Timezone)
		if err != nil {
			return nil, fmt.Errorf("init mailer: %w", err)
		}
		return sender, nil
	}
	if !cfg.IsDevelopment() {
		return nil, fmt.Errorf("SMTP_HOST is required outside development")
	}
	logger.Warn("SMTP_HOST not set, signing codes are written to the log")
	return notify.NewLogSender(logger), nil
}
