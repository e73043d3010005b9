package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apiguard/internal/config"
	"apiguard/internal/httpapi"
	"apiguard/internal/utils"
)

func main() {
	logger := utils.NewLogger("gateway")
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if level, ok := utils.ParseLogLevel(cfg.LogLevel); ok {
		utils.SetDefaultLogLevel(level)
		logger.SetLogLevel(level)
	}

	// Connect backends and start the audit worker
	deps, err := httpapi.BuildDependencies(context.Background(), cfg)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(deps, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("apiguard listening", "addr", addr,
			"database", cfg.Database.Enabled(), "redis", cfg.Redis.Enabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Flush audit records still in flight, then drain the audit queue
	if err := deps.Shutdown(ctx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}

	logger.Info("Server exited")
}
