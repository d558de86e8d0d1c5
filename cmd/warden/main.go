// File: cmd/warden/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/halcyonsec/warden/cmd"
)

func main() {
	// Containment and restore loops watch this context; SIGINT/SIGTERM stop
	// them between steps rather than mid-mutation.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
