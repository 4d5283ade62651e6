package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackzampolin/chorus/internal/worker"
)

// exitRecycle tells a process supervisor the worker wants a restart.
const exitRecycle = 75

func main() {
	// Set up context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, worker.ErrRecycle) {
			os.Exit(exitRecycle)
		}
		os.Exit(1)
	}
}
