// ABOUTME: Entry point for the glasses CLI, a terminal client for an OpenClaw gateway
// ABOUTME: Wires the cobra command tree and exits non-zero on any command error

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
