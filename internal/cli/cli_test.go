package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"compositor/internal/config"
	"compositor/internal/pipeline"
	"compositor/internal/raster"
	"compositor/internal/storage"
)

func TestCompositeSubmitsJob(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	dir := t.TempDir()
	paramsFile := filepath.Join(dir, "params.yaml")
	if err := os.WriteFile(paramsFile, []byte("red: 3\nnir: 5\n"), 0o644); err != nil {
		t.Fatalf("write params: %v", err)
	}

	args := []string{"composite", "a.tif", "b.tif",
		"--algorithm", "max-ndvi-oli",
		"--params", paramsFile,
		"--param", "red=4",
		"--tile-size", "64",
		"--parallel", "3",
		"--output", filepath.Join(dir, "out.tif"),
		"--preview",
	}
	if err := root.Run(context.Background(), args); err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Algorithm != "max-ndvi-oli" || job.Source != "cli" || !job.Preview {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Inputs) != 2 || job.Inputs[0] != "a.tif" || job.Inputs[1] != "b.tif" {
		t.Fatalf("unexpected inputs %v", job.Inputs)
	}
	if job.TileSize != 64 || job.Parallelism != 3 {
		t.Fatalf("engine overrides not passed: %+v", job)
	}
	// The flag wins over the file; flag values stay strings until resolved.
	if job.Params["red"] != "4" || job.Params["nir"] != 5 {
		t.Fatalf("unexpected params %v", job.Params)
	}
	if !strings.Contains(out.String(), "composite written to") {
		t.Fatalf("expected completion message, got %q", out.String())
	}
}

func TestCompositeDefaults(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	dir := t.TempDir()
	if err := root.Run(context.Background(), []string{"composite", "--dir", dir}); err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	job := fakePipe.jobs[0]
	if job.Algorithm != "max-ndvi" || job.Dir != dir || job.Params != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	want := filepath.Join(root.cfg.Paths.DefaultOutput, job.ID+".tif")
	if job.Output != want {
		t.Fatalf("expected default output %s, got %s", want, job.Output)
	}
}

func TestCompositeValidatesArguments(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"no inputs", []string{"composite"}},
		{"unknown algorithm", []string{"composite", "a.tif", "--algorithm", "median"}},
		{"malformed param", []string{"composite", "a.tif", "--param", "red"}},
		{"missing params file", []string{"composite", "a.tif", "--params", "/nonexistent/params.yaml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, fakePipe, _ := newTestRoot(t)
			if err := root.Run(context.Background(), tc.args); err == nil {
				t.Fatalf("expected error")
			}
			if len(fakePipe.jobs) != 0 {
				t.Fatalf("nothing should be submitted")
			}
		})
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Algorithm: "zz"}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

func TestValidateCommandReportsExclusions(t *testing.T) {
	root, _, out := newTestRoot(t)
	op := raster.NewMemOpener()
	op.Add("a.tif", raster.NewMemDataset(testGeometry("EPSG:32617", 4), 0))
	op.Add("b.tif", raster.NewMemDataset(testGeometry("EPSG:32617", 4), 0))
	op.Add("c.tif", raster.NewMemDataset(testGeometry("EPSG:32618", 4), 0))
	root.opener = op

	if err := root.Run(context.Background(), []string{"validate", "a.tif", "b.tif", "c.tif"}); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"reference  a.tif", "ok         b.tif", "excluded   c.tif", "2 of 3 rasters compatible"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestValidateCommandFailsWithoutReadableRaster(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.opener = raster.NewMemOpener()
	if err := root.Run(context.Background(), []string{"validate", "missing.tif"}); err == nil {
		t.Fatalf("expected error when no raster can be read")
	}
}

func TestScanCommandOrdersByDate(t *testing.T) {
	root, _, out := newTestRoot(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "LC80140322013168LGN00.tif"))
	touch(t, filepath.Join(dir, "nested", "LC80140322013152LGN00.tif"))
	touch(t, filepath.Join(dir, "notes.txt"))

	if err := root.Run(context.Background(), []string{"scan", dir}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected two scenes and a total, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "2013-06-01") || !strings.HasPrefix(lines[1], "2013-06-17") {
		t.Fatalf("scenes not ordered by date: %q", lines)
	}
	if lines[2] != "2 scenes" {
		t.Fatalf("unexpected total %q", lines[2])
	}
}

func TestAlgorithmsCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"algorithms"}); err != nil {
		t.Fatalf("algorithms failed: %v", err)
	}
	for _, want := range []string{"max-ndvi", "lineage: max-ndvi -> max-ndvi-oli", "zz", "red"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"algorithms", "--json"}); err != nil {
		t.Fatalf("algorithms --json failed: %v", err)
	}
	var descs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(out.Bytes(), &descs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(descs) < 3 {
		t.Fatalf("expected at least three algorithms, got %d", len(descs))
	}
}

func TestRunsCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"runs"}); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordRunQueued(storage.RunRecord{ID: "run-7", Algorithm: "zz", Status: "queued", Source: "cli", OutputPath: "/out/7.tif"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordInputs("run-7", []storage.InputRecord{{Position: 0, Path: "c.tif", Reason: "band count mismatch"}}); err != nil {
		t.Fatalf("record inputs: %v", err)
	}

	if err := root.Run(context.Background(), []string{"runs"}); err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out.String(), "run-7") {
		t.Fatalf("expected run listed, got %q", out.String())
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"runs", "run-7"}); err != nil {
		t.Fatalf("runs detail failed: %v", err)
	}
	if !strings.Contains(out.String(), "excluded  c.tif: band count mismatch") {
		t.Fatalf("expected excluded input, got %q", out.String())
	}
	if err := root.Run(context.Background(), []string{"runs", "missing"}); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		return nil
	}
	if err := root.Run(context.Background(), []string{"serve", "--addr", ":9999"}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestWatchCommandRejectsMissingDirectory(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"watch", filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestConfigAndVersionCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"config", "show"}); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "Default Algorithm: max-ndvi") {
		t.Fatalf("expected configuration output, got %q", out.String())
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"config", "validate"}); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	root.cfg.Processing.Algorithm = "median"
	if err := root.Run(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected unknown default algorithm to be rejected")
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"version"}); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "Compositor v1.0.0") {
		t.Fatalf("expected version string, got %q", out.String())
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "compositor.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &bytes.Buffer{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		opener:   raster.NewMemOpener(),
		serveFn:  defaultServe,
		out:      out,
	}
	return root, pipe, out
}

func testGeometry(proj string, bands int) raster.Geometry {
	return raster.Geometry{
		Projection: proj,
		Transform:  raster.NorthUpTransform(0, 0, 30, -30),
		Width:      4,
		Height:     4,
		Bands:      bands,
	}
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

// Submit answers every job immediately on the subscriber channels.
func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.jobErrors[job.ID], Meta: map[string]any{"tiles": 1}}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
