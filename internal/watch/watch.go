// Package watch turns new scenes landing in a directory into composite jobs.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"compositor/internal/pipeline"
	"compositor/internal/scenes"
)

const DefaultDebounce = 5 * time.Second

// Submitter receives the jobs produced by the watcher.
type Submitter func(job pipeline.Job) error

// Options describes the job built on every trigger.
type Options struct {
	Dir       string
	Pattern   string
	Algorithm string
	Params    map[string]any
	Preview   bool
	// OutputDir receives one <job id>.tif per trigger. When it lies inside
	// Dir it is neither watched nor scanned for inputs.
	OutputDir string
	Debounce  time.Duration
	Logger    *slog.Logger
}

// Watcher monitors a scene directory tree.
type Watcher struct {
	watcher *fsnotify.Watcher
	opts    Options
	submit  Submitter
	log     *slog.Logger
}

// New starts watching opts.Dir and all of its subdirectories.
func New(opts Options, submit Submitter) (*Watcher, error) {
	if submit == nil {
		return nil, errors.New("watch: no submitter")
	}
	if opts.Pattern == "" {
		opts.Pattern = scenes.DefaultPattern
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("watch: " + opts.Dir + " is not a directory")
	}
	if opts.OutputDir != "" {
		if opts.OutputDir, err = filepath.Abs(opts.OutputDir); err != nil {
			return nil, err
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{watcher: fw, opts: opts, submit: submit, log: opts.Logger}
	if err := w.addTree(opts.Dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.log.Info("Watching directory", "path", path)
		return nil
	})
}

// Run processes events until ctx ends. A burst of matching changes yields a
// single job once the tree has been quiet for the debounce period.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("scene change", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Stop()
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.trigger()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	ok, _ := filepath.Match(w.opts.Pattern, filepath.Base(event.Name))
	return ok
}

// ignored reports whether path belongs to the output tree.
func (w *Watcher) ignored(path string) bool {
	return scenes.Within(path, w.opts.OutputDir)
}

func (w *Watcher) trigger() {
	job := pipeline.Job{
		ID:        pipeline.NewID("watch"),
		Algorithm: w.opts.Algorithm,
		Dir:       w.opts.Dir,
		Pattern:   w.opts.Pattern,
		Params:    w.opts.Params,
		Preview:   w.opts.Preview,
		Source:    "watch",
	}
	job.Output = filepath.Join(w.opts.OutputDir, job.ID+".tif")
	if scenes.Within(w.opts.OutputDir, w.opts.Dir) {
		job.Exclude = []string{w.opts.OutputDir}
	}

	if err := w.submit(job); err != nil {
		w.log.Error("failed to submit watch job", "id", job.ID, "error", err)
		return
	}
	w.log.Info("watch job submitted", "id", job.ID, "dir", job.Dir, "output", job.Output)
}
