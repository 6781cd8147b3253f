// Command ptyhost is the terminal host child process. It is spawned by the
// coordinator, speaks the stdio handshake protocol on stdin/stdout, and owns
// every pty session. Diagnostics go to stderr; stdout carries only protocol
// frames.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/protocol"
	"github.com/lumenide/backend/internal/pty"
)

func main() {
	logger := logging.NewDefault()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := protocol.NewStreamTransport(os.Stdin, os.Stdout, nil)
	srv := pty.NewServer(transport, logger)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("pty host stopped: " + err.Error())
		os.Exit(1)
	}
}
