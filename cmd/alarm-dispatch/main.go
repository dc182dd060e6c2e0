// Command alarm-dispatch runs the alarm delivery service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/app"
	"github.com/bissquit/alarm-dispatch/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to create app", "error", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}
	return exitCode
}
