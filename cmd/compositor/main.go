package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"compositor/internal/cli"
	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/gdalio"
	"compositor/internal/logging"
	"compositor/internal/pipeline"
	"compositor/internal/preview"
	"compositor/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	dbPath, err := config.ExpandPath(cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer store.Close()

	opener := gdalio.NewOpener()
	env := composite.Env{Opener: opener, Logger: logger}
	runner := pipeline.NewRunner(cfg, logger, store, env, gdalio.NewGeoTIFFWriter(), preview.Write)
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, runner)
	defer pipe.Stop()

	return cli.NewRoot(pipe, cfg, logger, store, opener).Run(ctx, args)
}
