package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/segyhp/tutoring-contracts/internal/app"
	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/handler"
	"github.com/segyhp/tutoring-contracts/internal/middleware"
	"github.com/segyhp/tutoring-contracts/pkg/response"
)

func main() {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger(config.LoggingConfig{}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging)

	if cfg.Auth.JWTSecret == "" {
		logger.Error("JWT_SECRET is required to serve the API")
		os.Exit(1)
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	// Setup routes
	router := handler.NewRouter(
		handler.NewContractHandler(application.Contracts, logger),
		handler.NewPaymentHandler(application.Payments, logger),
		application.Health(),
		middleware.Auth([]byte(cfg.Auth.JWTSecret), logger),
		logger,
	)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      response.CORSMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "addr", server.Addr, "env", cfg.Server.Env, "storage", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
}
