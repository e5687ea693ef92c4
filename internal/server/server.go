package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/pipeline"
	"compositor/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline is the part of the job pipeline the server drives.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the run API, the event streams and metrics.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline Pipeline
	registry *composite.Registry
	hub      *Hub
	log      *slog.Logger
	server   *http.Server
}

func NewServer(addr string, cfg *config.Config, store *storage.Store, pipe Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		addr:     addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		registry: composite.Discover(),
		hub:      NewHub(log),
		log:      log,
	}
}

// Event is the JSON form of a finished run sent to stream clients.
type Event struct {
	ID        string         `json:"id"`
	Algorithm string         `json:"algorithm"`
	Source    string         `json:"source,omitempty"`
	Output    string         `json:"output"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func NewEvent(res pipeline.Result) Event {
	ev := Event{
		ID:        res.Job.ID,
		Algorithm: res.Job.Algorithm,
		Source:    res.Job.Source,
		Output:    res.Job.Output,
		Status:    pipeline.Status(res.Error),
		Meta:      res.Meta,
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forward(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve builds a server and runs it until ctx ends.
func Serve(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe Pipeline, log *slog.Logger) error {
	return NewServer(addr, cfg, store, pipe, log).Start(ctx)
}

// Handler returns the routed handler without listening.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/algorithms", s.handleAlgorithms).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{id}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.Handle("/ws", s.hub)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// forward relays every pipeline result to websocket clients.
func (s *Server) forward(ctx context.Context) {
	results, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			payload, err := json.Marshal(NewEvent(res))
			if err != nil {
				s.log.Warn("failed to encode run event", "id", res.Job.ID, "error", err)
				continue
			}
			s.hub.Publish(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type algorithmInfo struct {
	composite.Descriptor
	Lineage []string `json:"lineage"`
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	descs := s.registry.Descriptors()
	out := make([]algorithmInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, algorithmInfo{Descriptor: d, Lineage: s.registry.Lineage(d.Name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	storage.RunRecord
	Meta   map[string]any        `json:"meta,omitempty"`
	Inputs []storage.InputRecord `json:"inputs"`
	Issues []storage.IssueRecord `json:"issues"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	detail := runDetail{RunRecord: rec}
	if detail.Meta, err = s.store.RunMeta(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail.Inputs, err = s.store.RunInputs(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail.Issues, err = s.store.RunIssues(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if job.Algorithm == "" {
		job.Algorithm = s.cfg.Processing.Algorithm
	}
	if _, ok := s.registry.Lookup(job.Algorithm); !ok {
		http.Error(w, fmt.Sprintf("unknown algorithm %q", job.Algorithm), http.StatusBadRequest)
		return
	}
	if len(job.Inputs) == 0 && job.Dir == "" {
		http.Error(w, "inputs or dir is required", http.StatusBadRequest)
		return
	}

	job.ID = pipeline.NewID("run")
	job.Source = "api"
	if job.Output == "" {
		dir, err := config.ExpandPath(s.cfg.Paths.DefaultOutput)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		job.Output = filepath.Join(dir, job.ID+".tif")
	}

	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("run accepted", "id", job.ID, "algorithm", job.Algorithm, "output", job.Output)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "output": job.Output})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(NewEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
