package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	json "github.com/goccy/go-json"
)

const shutdownTimeout = 5 * time.Second

// Server exposes health, metrics and read-only run state over HTTP.
type Server struct {
	config    domain.ObservabilityConfig
	source    ports.Observable
	logger    *slog.Logger
	startTime time.Time
	server    *http.Server
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type MetricsResponse struct {
	Timestamp time.Time                    `json:"timestamp"`
	System    SystemMetrics                `json:"system"`
	Execution domain.ExecutionMetrics      `json:"execution"`
	Backend   *ports.CircuitBreakerMetrics `json:"backend,omitempty"`
}

type SystemMetrics struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	HeapObjects  uint64 `json:"heap_objects"`
	NumGC        uint32 `json:"gc_cycles"`
	PauseTotalNs uint64 `json:"gc_pause_total_ns"`
}

// RunSummary is one row of the /runs listing.
type RunSummary struct {
	ID          string           `json:"id"`
	Workflow    string           `json:"workflow"`
	Status      domain.RunStatus `json:"status"`
	Nodes       int              `json:"nodes"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func NewServer(config domain.ObservabilityConfig, source ports.Observable, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:    config,
		source:    source,
		logger:    logger.With("component", "observability"),
		startTime: time.Now(),
	}
}

// Handler returns the routes served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)

	return s.withLogging(mux)
}

// Start serves until ctx is done, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting observability server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("observability server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down observability server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.source.Health(r.Context())

	response := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).String(),
		Components: health.Details,
	}
	status := http.StatusOK
	if !health.Healthy {
		response.Status = "unhealthy"
		response.Error = health.Error
		status = http.StatusServiceUnavailable
		s.logger.Warn("health check failed", append([]any{"error", health.Error}, sortedDetails(health.Details)...)...)
	}

	s.writeJSON(w, status, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if health := s.source.Health(r.Context()); !health.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ready")
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "live")
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := MetricsResponse{
		Timestamp: time.Now(),
		System:    collectSystemMetrics(),
		Execution: s.source.Metrics(),
	}
	if backend, ok := s.source.BackendHealth(); ok {
		response.Backend = &backend
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	system := collectSystemMetrics()
	writeGauge(w, "conduit_uptime_seconds", "Time since the server started", time.Since(s.startTime).Seconds())
	writeGauge(w, "conduit_go_goroutines", "Number of goroutines", float64(system.NumGoroutine))
	writeGauge(w, "conduit_go_heap_alloc_bytes", "Heap bytes allocated", float64(system.HeapAlloc))

	m := s.source.Metrics()
	writeCounter(w, "conduit_runs_started_total", "Runs started", m.RunsStarted)
	writeCounter(w, "conduit_runs_succeeded_total", "Runs finished with success", m.RunsSucceeded)
	writeCounter(w, "conduit_runs_failed_total", "Runs finished with failure", m.RunsFailed)
	writeCounter(w, "conduit_runs_cancelled_total", "Runs cancelled", m.RunsCancelled)
	writeCounter(w, "conduit_nodes_dispatched_total", "Nodes handed to the backend", m.NodesDispatched)
	writeCounter(w, "conduit_nodes_succeeded_total", "Nodes finished with success", m.NodesSucceeded)
	writeCounter(w, "conduit_nodes_failed_total", "Nodes finished with failure", m.NodesFailed)
	writeCounter(w, "conduit_nodes_skipped_total", "Nodes skipped by their condition", m.NodesSkipped)
	writeCounter(w, "conduit_nodes_cancelled_total", "Nodes cancelled", m.NodesCancelled)
	writeCounter(w, "conduit_nodes_timed_out_total", "Nodes that exceeded their timeout", m.NodesTimedOut)
	writeCounter(w, "conduit_nodes_evicted_total", "Nodes evicted from a concurrency group", m.NodesEvicted)
	writeGauge(w, "conduit_node_execution_seconds_avg", "Average node execution time", m.AverageExecutionTime().Seconds())

	if backend, ok := s.source.BackendHealth(); ok {
		writeGauge(w, "conduit_backend_breaker_state", "Dispatch breaker state (0 closed, 1 half-open, 2 open)", float64(backend.State))
		writeCounter(w, "conduit_backend_requests_rejected_total", "Dispatches rejected by the breaker", backend.RequestsRejected)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.source.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	filter := domain.RunStatus(strings.ToLower(r.URL.Query().Get("status")))
	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		if filter != "" && run.Status != filter {
			continue
		}
		summaries = append(summaries, RunSummary{
			ID:          run.ID,
			Workflow:    run.Workflow.Name,
			Status:      run.Status,
			Nodes:       len(run.Nodes),
			Error:       run.Error,
			CreatedAt:   run.CreatedAt,
			CompletedAt: run.CompletedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.source.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if domain.IsNotFound(err) {
		status = http.StatusNotFound
	} else {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeCounter(w io.Writer, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
}

func writeGauge(w io.Writer, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, value)
}

func collectSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    m.HeapAlloc,
		HeapObjects:  m.HeapObjects,
		NumGC:        m.NumGC,
		PauseTotalNs: m.PauseTotalNs,
	}
}

// sortedDetails renders health details in key order for log lines.
func sortedDetails(details map[string]string) []any {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		attrs = append(attrs, k, details[k])
	}
	return attrs
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
