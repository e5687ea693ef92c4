package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"compositor/internal/pipeline"
)

func startWatcher(t *testing.T, opts Options) <-chan pipeline.Job {
	t.Helper()
	jobs := make(chan pipeline.Job, 8)
	w, err := New(opts, func(job pipeline.Job) error {
		jobs <- job
		return nil
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return jobs
}

func write(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcherDebouncesBurstIntoOneJob(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	jobs := startWatcher(t, Options{
		Dir:       dir,
		Algorithm: "max-ndvi",
		OutputDir: out,
		Debounce:  100 * time.Millisecond,
	})

	write(t, filepath.Join(dir, "LC80140322013152LGN00.tif"))
	write(t, filepath.Join(dir, "LC80140322013168LGN00.tif"))

	var job pipeline.Job
	select {
	case job = <-jobs:
	case <-time.After(5 * time.Second):
		t.Fatalf("no job submitted")
	}
	if job.Source != "watch" || job.Dir != dir || job.Pattern != "*.tif" || job.Algorithm != "max-ndvi" {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.HasPrefix(job.ID, "watch-") || job.Output != filepath.Join(out, job.ID+".tif") {
		t.Fatalf("unexpected id/output %q %q", job.ID, job.Output)
	}

	select {
	case extra := <-jobs:
		t.Fatalf("burst produced a second job %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherIgnoresItsOwnOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output")
	jobs := startWatcher(t, Options{
		Dir:       dir,
		Algorithm: "max-ndvi",
		OutputDir: out,
		Debounce:  50 * time.Millisecond,
	})

	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	write(t, filepath.Join(out, "watch-1.tif"))
	select {
	case job := <-jobs:
		t.Fatalf("composite output triggered a job %+v", job)
	case <-time.After(300 * time.Millisecond):
	}

	write(t, filepath.Join(dir, "LC80140322013152LGN00.tif"))
	select {
	case job := <-jobs:
		if len(job.Exclude) != 1 || job.Exclude[0] != out {
			t.Fatalf("expected output dir excluded from the scan, got %v", job.Exclude)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no job submitted for a new scene")
	}

	// Output written while the first job runs does not re-arm the watcher.
	write(t, filepath.Join(out, "watch-2.tif"))
	select {
	case job := <-jobs:
		t.Fatalf("composite output triggered a job %+v", job)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	jobs := startWatcher(t, Options{Dir: dir, Debounce: 50 * time.Millisecond})

	write(t, filepath.Join(dir, "notes.txt"))
	select {
	case job := <-jobs:
		t.Fatalf("unexpected job %+v", job)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	submit := func(pipeline.Job) error { return nil }
	if _, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing")}, submit); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if _, err := New(Options{Dir: t.TempDir(), Pattern: "["}, submit); err == nil {
		t.Fatalf("expected error for bad pattern")
	}
	if _, err := New(Options{Dir: t.TempDir()}, nil); err == nil {
		t.Fatalf("expected error without submitter")
	}
}
