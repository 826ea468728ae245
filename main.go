package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource/mysql"
	_ "github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource/sqlite"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/app"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	var drivers []string
	for _, d := range datasource.RegisteredDrivers() {
		drivers = append(drivers, d.Type)
	}

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Env),
		zap.String("default_pool", cfg.DefaultPool),
		zap.Int("pools", len(cfg.Pools)),
		zap.Strings("drivers", drivers),
		zap.String("redis", cfg.Redis.Host),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-broker",
			zap.String("addr", server.Addr),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		if cfg.TLSCertPath != "" {
			serverErr <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
