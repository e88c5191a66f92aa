// cmd/batchpress/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"batchpress/internal/cmd"
)

func main() {
	// Root context for lifecycle management; cancelled on SIGINT/SIGTERM.
	rootCtx, cancel := context.WithCancel(context.Background())
	setupGracefulShutdown(cancel)

	code := cmd.Execute(rootCtx)
	cancel()
	os.Exit(code)
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Warn("received signal, stopping", "signal", sig.String(), "pid", os.Getpid())
		cancel()
	}()
}
