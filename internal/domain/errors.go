package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrClosed           = errors.New("closed")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyStarted   = errors.New("already started")
	ErrNotStarted       = errors.New("not started")
	ErrGraph            = errors.New("invalid job graph")
	ErrMatrix           = errors.New("invalid matrix")
	ErrEvaluation       = errors.New("expression evaluation failed")
	ErrTimeout          = errors.New("operation timeout")
	ErrDuplicateOutput  = errors.New("duplicate output")
	ErrArtifactExists   = errors.New("artifact already exists")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrOutputsNotSealed = errors.New("outputs not sealed")
	ErrHandleLost       = errors.New("execution handle lost")
	ErrEvicted          = errors.New("evicted from concurrency group")
	ErrBackendDown      = errors.New("execution backend unavailable")
	ErrInvalidState     = errors.New("invalid state transition")
)

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrTransactionConflict
	ErrStorageClosed
	ErrCorrupted
)

type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

func (e *StorageError) Unwrap() error {
	switch e.Type {
	case ErrKeyNotFound:
		return ErrNotFound
	case ErrStorageClosed:
		return ErrClosed
	case ErrTransactionConflict:
		return ErrConflict
	}
	return nil
}

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewStorageClosedError() *StorageError {
	return &StorageError{
		Type:    ErrStorageClosed,
		Message: "storage is closed",
	}
}

// GraphError reports an invalid needs graph. Cycle is sorted when set.
type GraphError struct {
	Job     string
	Need    string
	Cycle   []string
	Message string
}

func (e *GraphError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return "dependency cycle between jobs: " + strings.Join(e.Cycle, ", ")
	case e.Need != "":
		return fmt.Sprintf("job %q needs unknown job %q", e.Job, e.Need)
	case e.Job != "":
		return fmt.Sprintf("job %q: %s", e.Job, e.Message)
	}
	return e.Message
}

func (e *GraphError) Unwrap() error {
	return ErrGraph
}

type MatrixError struct {
	Job     string
	Message string
	Err     error
}

func (e *MatrixError) Error() string {
	msg := "matrix"
	if e.Job != "" {
		msg = fmt.Sprintf("matrix of job %q", e.Job)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

func (e *MatrixError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMatrix, e.Err}
	}
	return []error{ErrMatrix}
}

func NewMatrixError(job, message string, err error) *MatrixError {
	return &MatrixError{Job: job, Message: message, Err: err}
}

// EvaluationError carries the byte offset into the expression where it failed.
type EvaluationError struct {
	Expression string
	Position   int
	Message    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %q at %d: %s", e.Expression, e.Position, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return ErrEvaluation
}

type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded timeout of %s", e.NodeID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

type DuplicateOutputError struct {
	NodeID string
	Name   string
}

func (e *DuplicateOutputError) Error() string {
	return fmt.Sprintf("output %s of sealed node %s already has a different value", e.Name, e.NodeID)
}

func (e *DuplicateOutputError) Unwrap() error {
	return ErrDuplicateOutput
}

type ArtifactExistsError struct {
	Name    string
	Version int
}

func (e *ArtifactExistsError) Error() string {
	return fmt.Sprintf("artifact %s already exists at version %d", e.Name, e.Version)
}

func (e *ArtifactExistsError) Unwrap() error {
	return ErrArtifactExists
}

type QuotaExceededError struct {
	Resource string
	Limit    int64
	Actual   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d > %d", e.Resource, e.Actual, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

type SemaphoreError struct {
	Group string
	Op    string
	Err   error
}

func (e *SemaphoreError) Error() string {
	return fmt.Sprintf("semaphore[%s] %s: %v", e.Group, e.Op, e.Err)
}

func (e *SemaphoreError) Unwrap() error {
	return e.Err
}

func NewSemaphoreError(group, op string, err error) *SemaphoreError {
	return &SemaphoreError{Group: group, Op: op, Err: err}
}

type TransitionError struct {
	NodeID string
	From   NodeStatus
	To     NodeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %s cannot move from %s to %s", e.NodeID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidState
}

// IsStructural reports whether err invalidates the whole run before dispatch.
func IsStructural(err error) bool {
	return errors.Is(err, ErrGraph) || errors.Is(err, ErrMatrix)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsGraphError(err error) bool {
	var graphErr *GraphError
	return errors.As(err, &graphErr)
}

func IsMatrixError(err error) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr)
}

func IsEvaluationError(err error) bool {
	var evalErr *EvaluationError
	return errors.As(err, &evalErr)
}

func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// ErrorKind names the taxonomy class of err for JobNode.ErrorKind.
func ErrorKind(err error) string {
	var panicErr *WorkflowPanicError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEvaluation):
		return "evaluation"
	case errors.Is(err, ErrMatrix):
		return "matrix"
	case errors.Is(err, ErrGraph):
		return "graph"
	case errors.Is(err, ErrDuplicateOutput):
		return "duplicate_output"
	case errors.Is(err, ErrArtifactExists):
		return "artifact_exists"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrHandleLost):
		return "handle_lost"
	case errors.Is(err, ErrEvicted):
		return "evicted"
	case errors.Is(err, ErrBackendDown):
		return "backend_unavailable"
	case errors.As(err, &panicErr):
		return "panic"
	}
	return "execution"
}
