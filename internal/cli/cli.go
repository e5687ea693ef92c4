// Package cli wires the compositor commands to the job pipeline.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"compositor/internal/config"
	"compositor/internal/pipeline"
	"compositor/internal/raster"
	"compositor/internal/scenes"
	"compositor/internal/server"
	"compositor/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, cfg, store, pipe, log)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	opener   raster.Opener
	serveFn  serverFunc
	out      io.Writer
}

// NewRoot constructs the CLI root. opener is used by commands that read
// rasters directly instead of going through the pipeline.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, opener raster.Opener) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		opener:   opener,
		serveFn:  defaultServe,
		out:      os.Stdout,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "algorithm", job.Algorithm, "id", job.ID, "inputs", len(job.Inputs), "dir", job.Dir)
	return nil
}

func (r *Root) resolveInputs(args []string, dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = r.cfg.Scenes.Pattern
	}
	return scenes.Resolve(args, dir, pattern, r.cfg.Scenes.ParseDates)
}

func (r *Root) defaultOutput(id string) (string, error) {
	dir, err := config.ExpandPath(r.cfg.Paths.DefaultOutput)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, id+".tif"), nil
}
