// Package conduit runs declarative job graphs on a pluggable execution backend.
//
// A workflow is a set of jobs wired together by needs. Conduit evaluates
// their if conditions, expands matrix strategies into one node per variant,
// serializes jobs that share a concurrency group and records every node's
// outputs and artifacts for its dependents. Runs are persisted in badger and
// resume after a restart.
//
// Basic usage:
//
//	backend := conduit.NewFuncBackend(nil, logger).
//	    Handle("build", func(ctx context.Context, req conduit.DispatchRequest) (map[string]conduit.StepResult, error) {
//	        return nil, req.Outputs.SetOutput("version", "1.2.3")
//	    })
//
//	manager, err := conduit.New(conduit.DefaultConfig().WithDataDir("./data"), backend)
//	manager.Start(ctx)
//	defer manager.Stop()
//
//	def, err := conduit.LoadWorkflow("ci.yml")
//	run, err := manager.Submit(ctx, *def, conduit.SubmitOptions{})
//	run, err = manager.Wait(ctx, run.ID)
package conduit

import (
	"log/slog"

	"github.com/eleven-am/conduit/internal/adapters/backend"
	"github.com/eleven-am/conduit/internal/adapters/definition"
	"github.com/eleven-am/conduit/internal/core"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Manager owns storage, live runs and the concurrency groups shared by them.
type Manager = core.Manager

// SubmitOptions carries the trigger context of a new run.
type SubmitOptions = core.SubmitOptions

// Workflow definition types

type WorkflowDefinition = domain.WorkflowDefinition

type JobSpec = domain.JobSpec

type MatrixSpec = domain.MatrixSpec

type MatrixDimension = domain.MatrixDimension

type ConcurrencySpec = domain.ConcurrencySpec

// Run state types

type WorkflowRun = domain.WorkflowRun

// JobNode is one schedulable instance of a job. A matrix job has one node per variant.
type JobNode = domain.JobNode

type RunStatus = domain.RunStatus

type NodeStatus = domain.NodeStatus

const (
	RunStatusPending   = domain.RunStatusPending
	RunStatusRunning   = domain.RunStatusRunning
	RunStatusSuccess   = domain.RunStatusSuccess
	RunStatusFailure   = domain.RunStatusFailure
	RunStatusCancelled = domain.RunStatusCancelled

	NodeStatusBlocked   = domain.NodeStatusBlocked
	NodeStatusReady     = domain.NodeStatusReady
	NodeStatusRunning   = domain.NodeStatusRunning
	NodeStatusSuccess   = domain.NodeStatusSuccess
	NodeStatusFailure   = domain.NodeStatusFailure
	NodeStatusSkipped   = domain.NodeStatusSkipped
	NodeStatusCancelled = domain.NodeStatusCancelled
)

type Artifact = domain.Artifact

type ArtifactUpload = domain.ArtifactUpload

type ExecutionMetrics = domain.ExecutionMetrics

// Backend integration types

// ExecutionBackend runs job nodes. Dispatch must return without waiting for the job.
type ExecutionBackend = ports.ExecutionBackend

// Reattacher lets a backend hand running jobs back to a restarted process.
type Reattacher = ports.Reattacher

type EnvProvider = ports.EnvProvider

type DispatchRequest = ports.DispatchRequest

type CompletionSink = ports.CompletionSink

type Completion = ports.Completion

type StepResult = ports.StepResult

type Handle = ports.Handle

type OutputWriter = ports.OutputWriter

type ArtifactUploader = ports.ArtifactUploader

type ArtifactStore = ports.ArtifactStore

type ArtifactTree = ports.ArtifactTree

// BackendHealthMetrics describes the breaker guarding backend dispatch.
type BackendHealthMetrics = ports.CircuitBreakerMetrics

// FuncBackend runs jobs as in-process Go functions.
type FuncBackend = backend.Func

type FuncHandler = backend.Handler

// Event types for run lifecycle monitoring

type Event = domain.Event

type EventType = domain.EventType

const (
	EventRunStarted    = domain.EventRunStarted
	EventRunCompleted  = domain.EventRunCompleted
	EventNodeStarted   = domain.EventNodeStarted
	EventNodeCompleted = domain.EventNodeCompleted
)

type RunStartedEvent = domain.RunStartedEvent

type RunCompletedEvent = domain.RunCompletedEvent

type NodeStartedEvent = domain.NodeStartedEvent

type NodeCompletedEvent = domain.NodeCompletedEvent

type EventManager = ports.EventManager

// Errors

var (
	ErrNotFound         = domain.ErrNotFound
	ErrInvalidInput     = domain.ErrInvalidInput
	ErrConflict         = domain.ErrConflict
	ErrGraph            = domain.ErrGraph
	ErrMatrix           = domain.ErrMatrix
	ErrEvaluation       = domain.ErrEvaluation
	ErrTimeout          = domain.ErrTimeout
	ErrDuplicateOutput  = domain.ErrDuplicateOutput
	ErrArtifactExists   = domain.ErrArtifactExists
	ErrQuotaExceeded    = domain.ErrQuotaExceeded
	ErrOutputsNotSealed = domain.ErrOutputsNotSealed
	ErrHandleLost       = domain.ErrHandleLost
	ErrNotStarted       = domain.ErrNotStarted
	ErrAlreadyStarted   = domain.ErrAlreadyStarted
)

// IsStructural reports whether err rejected a workflow before any job ran.
func IsStructural(err error) bool {
	return domain.IsStructural(err)
}

func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}

// New creates a manager with the given configuration. A nil config uses DefaultConfig.
func New(config *Config, backend ExecutionBackend) (*Manager, error) {
	return core.New(config, backend, nil)
}

// NewWithEnv creates a manager whose nodes receive variables from env on every dispatch.
// Values resolved by env are never persisted.
func NewWithEnv(config *Config, backend ExecutionBackend, env EnvProvider) (*Manager, error) {
	return core.New(config, backend, env)
}

// NewFuncBackend returns an in-process backend. fallback handles jobs without
// a dedicated handler and may be nil.
func NewFuncBackend(fallback FuncHandler, logger *slog.Logger) *FuncBackend {
	return backend.NewFunc(fallback, logger)
}

// LoadWorkflow reads a workflow definition from a YAML file.
func LoadWorkflow(path string) (*WorkflowDefinition, error) {
	return definition.LoadFile(path)
}

// ParseWorkflow decodes a workflow definition from YAML.
func ParseWorkflow(data []byte) (*WorkflowDefinition, error) {
	return definition.Parse(data)
}
