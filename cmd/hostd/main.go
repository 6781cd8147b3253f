// Command hostd is the coordinator daemon. It spawns and supervises the pty
// host child process, serves the control API, and persists terminal state
// across restarts.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumenide/backend/internal/infrastructure/config"
	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/server"
)

func main() {
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// In dev mode a pty host crash ends the run with the child's exit code
	// instead of showing a notification.
	devExit := make(chan int, 1)
	if cfg.PtyHost.DevMode {
		srv.OnDevExit(func(code int) { devExit <- code })
	}

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start: " + err.Error())
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := srv.Close(); err != nil {
			logger.Warn("shutdown error: " + err.Error())
		}
	case code := <-devExit:
		logger.Info("pty host exited in dev mode, propagating exit code")
		_ = srv.Close()
		_ = logger.Sync()
		os.Exit(code)
	case err := <-errChan:
		_ = srv.Close()
		logger.Fatal("server error: " + err.Error())
	}
}
