package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"compositor/internal/compat"
	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/engine"
	"compositor/internal/logging"
	"compositor/internal/metrics"
	"compositor/internal/scenes"
	"compositor/internal/storage"
)

// Exporter persists a finished composite.
type Exporter interface {
	Write(path string, out *engine.Output) error
}

type previewFunc func(path string, out *engine.Output, bands [3]int) error

// Runner implements Processor for composite jobs.
type Runner struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	env      composite.Env
	exporter Exporter
	preview  previewFunc
	discover func() *composite.Registry
}

// NewRunner wires the run steps. preview may be nil to disable quicklooks.
func NewRunner(cfg *config.Config, logger *slog.Logger, store *storage.Store, env composite.Env, exporter Exporter, preview func(string, *engine.Output, [3]int) error) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if env.Logger == nil {
		env.Logger = logger
	}
	return &Runner{
		log:      logger,
		store:    store,
		cfg:      cfg,
		env:      env,
		exporter: exporter,
		preview:  preview,
		discover: composite.Discover,
	}
}

// Process runs validate, prepare, composite, export and preview for job.
// Meta always lists the validation outcome of every input, also on failure.
func (r *Runner) Process(ctx context.Context, job Job) Result {
	meta := map[string]any{"algorithm": job.Algorithm}
	fail := func(step string, err error) Result {
		logging.LogProcessingStep(r.log, job.ID, step, "failed", map[string]any{"error": err.Error()})
		return Result{Job: job, Error: fmt.Errorf("%s: %w", step, err), Meta: meta}
	}

	files, err := r.resolveInputs(job)
	if err != nil {
		return fail("locate inputs", err)
	}
	meta["candidates"] = len(files)
	logging.LogProcessingStep(r.log, job.ID, "locate inputs", "done", map[string]any{"files": len(files)})

	reg := r.discover()
	params := r.cfg.AlgorithmParams(job.Algorithm, job.Params)
	alg, err := reg.New(job.Algorithm, params, files, r.env)
	if err != nil {
		return fail("configure", err)
	}
	meta["params"] = map[string]any(alg.Params())
	meta["lineage"] = reg.Lineage(job.Algorithm)

	rep, err := alg.ValidateImages(ctx, alg.Files())
	if err != nil {
		return fail("validate", err)
	}
	meta["inputs"] = r.recordValidation(job.ID, rep)
	meta["compatible"] = len(rep.Compatible())
	if rep.ReferencePath != "" {
		meta["reference"] = rep.ReferencePath
	}

	if err := alg.Prepare(rep); err != nil {
		return fail("prepare", err)
	}

	limit, err := r.cfg.MemoryLimitBytes()
	if err != nil {
		return fail("configure", err)
	}
	opts := engine.Options{
		TileWidth:   firstPositive(job.TileSize, r.cfg.Processing.TileSize),
		Parallelism: firstPositive(job.Parallelism, r.cfg.Processing.Parallelism),
		MemoryLimit: limit,
		Logger:      r.log.With("run_id", job.ID),
		Progress: func(done, total int) {
			if done == total || done%100 == 0 {
				r.log.Debug("composite progress", "run_id", job.ID, "done", done, "total", total)
			}
		},
	}
	out, err := alg.ProcessImage(ctx, opts)
	if err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) && len(ee.Issues) > 0 {
			r.recordIssues(job.ID, ee.Issues)
			meta["issues"] = issueRecords(ee.Issues)
		}
		return fail("composite", err)
	}
	r.recordIssues(job.ID, out.Issues)

	summary := Summarize(out)
	meta["tiles"] = out.Tiles
	meta["issues"] = issueRecords(out.Issues)
	meta["bands"] = summary.Bands
	meta["coverage"] = summary.Coverage
	meta["footprint"] = summary.Footprint

	if r.exporter != nil {
		if err := r.exporter.Write(job.Output, out); err != nil {
			return fail("export", err)
		}
		meta["output"] = job.Output
		logging.LogProcessingStep(r.log, job.ID, "export", "done", map[string]any{"path": job.Output})
	}

	if (job.Preview || r.cfg.Preview.Enabled) && r.preview != nil {
		path := PreviewPath(job.Output)
		if err := r.preview(path, out, r.cfg.Preview.Bands); err != nil {
			// A missing quicklook does not invalidate the composite.
			r.log.Warn("preview failed", "run_id", job.ID, "error", err)
		} else {
			meta["preview"] = path
		}
	}

	return Result{Job: job, Meta: meta}
}

func (r *Runner) resolveInputs(job Job) ([]string, error) {
	pattern := job.Pattern
	if pattern == "" {
		pattern = r.cfg.Scenes.Pattern
	}
	files, err := scenes.Resolve(job.Inputs, job.Dir, pattern, r.cfg.Scenes.ParseDates, job.Exclude...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no input rasters given")
	}
	return files, nil
}

func (r *Runner) recordValidation(runID string, rep compat.Report) []storage.InputRecord {
	records := make([]storage.InputRecord, len(rep.Paths))
	for i, path := range rep.Paths {
		rec := storage.InputRecord{Position: i, Path: path, Valid: rep.Valid[i]}
		var reasons []string
		for _, is := range rep.IssuesFor(i) {
			reasons = append(reasons, is.Err.Error())
			logging.LogExcluded(r.log, runID, path, is.Err)
		}
		rec.Reason = strings.Join(reasons, "; ")
		if !rec.Valid {
			metrics.RastersExcluded.Inc()
		}
		records[i] = rec
	}
	if err := r.store.RecordInputs(runID, records); err != nil {
		r.log.Warn("failed to record inputs", "run_id", runID, "error", err)
	}
	return records
}

func (r *Runner) recordIssues(runID string, issues []engine.Issue) {
	if err := r.store.RecordIssues(runID, issueRecords(issues)); err != nil {
		r.log.Warn("failed to record issues", "run_id", runID, "error", err)
	}
}

func issueRecords(issues []engine.Issue) []storage.IssueRecord {
	out := make([]storage.IssueRecord, len(issues))
	for i, is := range issues {
		out[i] = storage.IssueRecord{
			Path:    is.Path,
			XOff:    is.Window.XOff,
			YOff:    is.Window.YOff,
			Width:   is.Window.Width,
			Height:  is.Window.Height,
			Message: is.Message(),
		}
	}
	return out
}

// PreviewPath is the quicklook location for a composite written to output.
func PreviewPath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".png"
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
