package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"finances/internal/cli"
	"finances/internal/log"
)

func main() {
	cli.LoadEnvFile()

	// Logs go to stderr so command output stays clean
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logger := cli.SetupLogger(level, os.Stderr).WithComponent(log.ComponentCLI)
	cfg := cli.LoadAndValidateConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := cli.Wire(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize client", log.FieldError, err)
		os.Exit(1)
	}

	err = app.Run(ctx, os.Args[1:])
	if cerr := cleanup(); cerr != nil {
		logger.Warn("Cleanup failed", log.FieldError, cerr)
	}
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return
	case errors.Is(err, cli.ErrUsage):
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", cli.Message(err))
	os.Exit(1)
}
