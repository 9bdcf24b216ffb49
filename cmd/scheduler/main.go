package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/segyhp/tutoring-contracts/internal/app"
	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/service"
)

// jobTimeout bounds a single run so a stuck backend cannot pile up runs.
const jobTimeout = 2 * time.Minute

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger(config.LoggingConfig{}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging).With("component", "scheduler")
	logger.Info("starting contract scheduler")

	application, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		logger.Error("invalid scheduler timezone", "error", err)
		os.Exit(1)
	}

	// Initialize cron scheduler
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	// Schedule tasks
	if err := setupCronJobs(c, cfg, application.Sweeper, logger); err != nil {
		logger.Error("error scheduling jobs", "error", err)
		os.Exit(1)
	}

	// Start the scheduler
	c.Start()
	logger.Info("scheduler started", "jobs", len(c.Entries()))

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down scheduler")
	<-c.Stop().Done()
	logger.Info("scheduler stopped")
}

func setupCronJobs(c *cron.Cron, cfg *config.Config, sweeper *service.Sweeper, logger *slog.Logger) error {
	// Expired payment reservations and unsigned contracts
	if _, err := c.AddFunc(cfg.Scheduler.SweepSpec, func() {
		run(logger, "sweep", func(ctx context.Context, now time.Time) error {
			cancelled, err := sweeper.SweepPayments(ctx, now)
			if err != nil {
				return err
			}
			expired, err := sweeper.ExpireContracts(ctx, now)
			if err != nil {
				return err
			}
			if cancelled > 0 || len(expired) > 0 {
				logger.Info("sweep finished", "payments_cancelled", cancelled, "contracts_expired", len(expired))
			}
			return nil
		})
	}); err != nil {
		return err
	}

	// Installments past their due date
	if _, err := c.AddFunc(cfg.Scheduler.OverdueSpec, func() {
		run(logger, "overdue", func(ctx context.Context, now time.Time) error {
			count, err := sweeper.MarkOverdue(ctx, now)
			if err == nil {
				logger.Info("overdue installments marked", "count", count)
			}
			return err
		})
	}); err != nil {
		return err
	}

	// Reminders for installments due soon
	horizon := time.Duration(cfg.Scheduler.ReminderDays) * 24 * time.Hour
	if _, err := c.AddFunc(cfg.Scheduler.ReminderSpec, func() {
		run(logger, "reminders", func(ctx context.Context, now time.Time) error {
			sent, err := sweeper.SendReminders(ctx, now, horizon)
			if err == nil {
				logger.Info("payment reminders sent", "count", sent)
			}
			return err
		})
	}); err != nil {
		return err
	}

	logger.Info("cron jobs scheduled",
		"sweep", cfg.Scheduler.SweepSpec,
		"overdue", cfg.Scheduler.OverdueSpec,
		"reminders", cfg.Scheduler.ReminderSpec,
	)
	return nil
}

func run(logger *slog.Logger, job string, fn func(ctx context.Context, now time.Time) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx, start); err != nil {
		logger.Error("job failed", "job", job, "error", err)
		return
	}
	logger.Debug("job done", "job", job, "duration", time.Since(start))
}
