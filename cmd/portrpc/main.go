package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := buildApp(os.Stdout)
	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("portrpc failed", "error", err)
		os.Exit(1)
	}
}
