package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"lodestone/internal/adapter/terminal"
)

// version is the host version plugins are checked against. Release builds
// set it with -ldflags "-X main.version=...".
var version = "0.4.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		terminal.NewSink(os.Stderr, terminal.Options{}).Error(err)
		os.Exit(1)
	}
}
