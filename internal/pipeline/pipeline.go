package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"compositor/internal/logging"
	"compositor/internal/metrics"
	"compositor/internal/storage"
)

// Job is a single composite request.
type Job struct {
	ID        string         `json:"id"`
	Algorithm string         `json:"algorithm"`
	Inputs    []string       `json:"inputs,omitempty"`
	Dir       string         `json:"dir,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
	Exclude   []string       `json:"exclude,omitempty"` // directories under Dir left out of the scan
	Output    string         `json:"output"`
	Params    map[string]any `json:"params,omitempty"`
	Preview   bool           `json:"preview,omitempty"`

	// TileSize and Parallelism override the configured engine settings when set.
	TileSize    int    `json:"tile_size,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
	Source      string `json:"source,omitempty"` // cli, api, watch
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// NewID returns a unique run id with the given prefix.
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}

// StatusRejected marks runs that never reached a worker.
const StatusRejected = "rejected"

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	stopped   bool
}

// New starts concurrency workers feeding jobs to proc.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue. A rejected job is recorded as
// rejected so it does not linger in the history as queued.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		paramsJSON, _ := json.Marshal(job.Params)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:         job.ID,
			Algorithm:  job.Algorithm,
			Status:     "queued",
			Source:     job.Source,
			OutputPath: job.Output,
			ParamsJSON: string(paramsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
		}
	}

	err := p.enqueue(job)
	if err != nil && p.store != nil {
		if rerr := p.store.RecordRunResult(job.ID, StatusRejected, nil, err.Error()); rerr != nil {
			p.log.Warn("failed to record rejected run", "id", job.ID, "error", rerr)
		}
	}
	return err
}

func (p *Pipeline) enqueue(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogRunStart(p.log, job.ID, job.Algorithm, len(job.Inputs), job.Output, job.Params)
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := Status(res.Error)
	if res.Error != nil {
		logging.LogRunError(p.log, job.ID, job.Algorithm, duration, res.Error, map[string]any{
			"dir":    job.Dir,
			"output": job.Output,
			"params": job.Params,
		})
	} else {
		logging.LogRunComplete(p.log, job.ID, job.Algorithm, duration, res.Meta)
	}
	metrics.Runs.WithLabelValues(status).Inc()

	if p.store != nil {
		if err := p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record run result", "id", job.ID, "error", err)
		}
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Status maps a run error to the status stored for it.
func Status(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
