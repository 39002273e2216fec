package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/google/uuid"
)

// Handler runs one job node. A nil error reports success; an error reports
// failure, or cancellation when ctx was cancelled by the engine.
type Handler func(ctx context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error)

type job struct {
	nodeID string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	sink ports.CompletionSink
}

func (j *job) currentSink() ports.CompletionSink {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sink
}

// Func runs handlers in goroutines of this process. Jobs do not survive a
// restart; Reattach only finds jobs still running here.
type Func struct {
	logger   *slog.Logger
	fallback Handler

	mu       sync.RWMutex
	handlers map[string]Handler
	jobs     map[ports.Handle]*job
	wg       sync.WaitGroup
}

func NewFunc(fallback Handler, logger *slog.Logger) *Func {
	if logger == nil {
		logger = slog.Default()
	}

	return &Func{
		logger:   logger.With("component", "func-backend"),
		fallback: fallback,
		handlers: make(map[string]Handler),
		jobs:     make(map[ports.Handle]*job),
	}
}

// Handle registers h for every node of job.
func (f *Func) Handle(job string, h Handler) *Func {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[job] = h
	return f
}

func (f *Func) Dispatch(ctx context.Context, req ports.DispatchRequest, sink ports.CompletionSink) (ports.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.handlers[req.JobName]
	if h == nil {
		h = f.fallback
	}
	if h == nil {
		return "", fmt.Errorf("%w: no handler for job %s", domain.ErrInvalidInput, req.JobName)
	}

	handle := ports.Handle(uuid.New().String())
	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{nodeID: req.NodeID, cancel: cancel, done: make(chan struct{}), sink: sink}
	f.jobs[handle] = j

	f.wg.Add(1)
	go f.run(jobCtx, handle, j, h, req)

	f.logger.Debug("job dispatched", "handle", handle, "run_id", req.RunID, "node_id", req.NodeID)
	return handle, nil
}

func (f *Func) run(ctx context.Context, handle ports.Handle, j *job, h Handler, req ports.DispatchRequest) {
	defer f.wg.Done()
	defer close(j.done)
	defer j.cancel()

	completion := ports.Completion{Handle: handle}
	func() {
		defer func() {
			if r := recover(); r != nil {
				completion.Err = domain.NewPanicError(req.RunID, req.NodeID, r)
			}
		}()
		completion.Steps, completion.Err = h(ctx, req)
	}()

	switch {
	case completion.Err == nil:
		completion.Status = domain.NodeStatusSuccess
	case ctx.Err() != nil && errors.Is(completion.Err, context.Canceled):
		completion.Status = domain.NodeStatusCancelled
		completion.Err = nil
	default:
		completion.Status = domain.NodeStatusFailure
	}

	f.mu.Lock()
	delete(f.jobs, handle)
	f.mu.Unlock()

	if sink := j.currentSink(); sink != nil {
		sink.OnComplete(completion)
	}
}

// Cancel stops a running job. Unknown handles are treated as already finished.
func (f *Func) Cancel(ctx context.Context, handle ports.Handle) error {
	f.mu.RLock()
	j := f.jobs[handle]
	f.mu.RUnlock()

	if j == nil {
		return nil
	}
	j.cancel()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reattach redirects the completion of a job still running in this process.
func (f *Func) Reattach(ctx context.Context, handle ports.Handle, req ports.DispatchRequest, sink ports.CompletionSink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.RLock()
	j := f.jobs[handle]
	f.mu.RUnlock()

	if j == nil {
		return domain.NewKeyNotFoundError(string(handle))
	}

	j.mu.Lock()
	j.sink = sink
	j.mu.Unlock()
	return nil
}

func (f *Func) Running() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.jobs)
}

// Close cancels every running job and waits for them to report.
func (f *Func) Close(ctx context.Context) error {
	f.mu.RLock()
	for _, j := range f.jobs {
		j.cancel()
	}
	f.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
