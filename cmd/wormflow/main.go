package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wormflow/internal/cli"
	"wormflow/internal/config"
	"wormflow/internal/logging"
	"wormflow/internal/pipeline"
	"wormflow/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cfg)
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, logger, store)
	return root.Run(ctx, os.Args[1:])
}
