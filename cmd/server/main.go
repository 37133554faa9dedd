// Command server runs the storefront checkout and payments API.
//
//	server           serve HTTP until SIGINT or SIGTERM
//	server migrate   apply database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/opticshop/opticshop/app"
	"github.com/opticshop/opticshop/internal/db"
	"github.com/opticshop/opticshop/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	var err error
	switch command {
	case "serve":
		err = serve(ctx, logger)
	case "migrate":
		err = migrateOnly(logger)
	default:
		err = fmt.Errorf("unknown command %q (want serve or migrate)", command)
	}
	if err != nil {
		logger.Error("server exited", "command", command, "error", err)
		stop()
		os.Exit(1)
	}
}

// serve runs the API until ctx is cancelled by a signal or the listener
// fails, then drains in-flight requests.
func serve(ctx context.Context, fallback *slog.Logger) error {
	application, err := app.New()
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer application.Close()

	srv, err := server.New(application.Config, application.Logger, application.Handlers)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		application.Logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := <-serverErr; err != nil && !errors.Is(err, context.Canceled) {
		fallback.Warn("listener returned an error after shutdown", "error", err)
	}
	return nil
}

type migrateConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
}

// migrateOnly applies pending migrations without building the rest of the
// application, so a release job needs only DATABASE_URL.
func migrateOnly(logger *slog.Logger) error {
	cfg, err := env.ParseAs[migrateConfig]()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info("database migrations applied")
	return nil
}
