// cmd/shipyard/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/FairForge/shipyard/internal/cmd"
)

func main() {
	// Cancellation aborts the run without triggering a rollback
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
