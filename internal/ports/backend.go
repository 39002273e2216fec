package ports

import (
	"context"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

type Handle string

type StepResult struct {
	Outcome    domain.NodeStatus `json:"outcome"`
	Conclusion domain.NodeStatus `json:"conclusion"`
	Outputs    map[string]string `json:"outputs,omitempty"`
}

// Completion is reported exactly once per handle by the backend.
type Completion struct {
	Handle Handle
	Status domain.NodeStatus
	Steps  map[string]StepResult
	Err    error
}

type CompletionSink interface {
	OnComplete(completion Completion)
	OnTimeout(handle Handle)
}

type OutputWriter interface {
	SetOutput(name, value string) error
}

type ArtifactUploader interface {
	Upload(ctx context.Context, upload domain.ArtifactUpload) (*domain.Artifact, error)
}

type DispatchRequest struct {
	RunID     string
	NodeID    string
	JobName   string
	Matrix    map[string]any
	Env       map[string]string
	Timeout   time.Duration
	Needs     domain.NeedsTable
	Outputs   OutputWriter
	Artifacts ArtifactUploader
}

// ExecutionBackend runs job nodes. Dispatch must not block on job completion.
type ExecutionBackend interface {
	Dispatch(ctx context.Context, req DispatchRequest, sink CompletionSink) (Handle, error)
	Cancel(ctx context.Context, handle Handle) error
}

// Reattacher is implemented by backends whose jobs outlive the process.
type Reattacher interface {
	Reattach(ctx context.Context, handle Handle, req DispatchRequest, sink CompletionSink) error
}

// EnvProvider resolves secrets and config for a node without the core storing them.
type EnvProvider interface {
	ResolveEnv(ctx context.Context, spec domain.JobSpec, matrix map[string]any) (map[string]string, error)
}
