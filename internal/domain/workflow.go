package domain

import (
	"time"
)

type WorkflowDefinition struct {
	Name string            `json:"name" yaml:"name" validate:"required"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Jobs []JobSpec         `json:"jobs" yaml:"jobs" validate:"required,min=1,dive"`
}

// Job returns the job declared under name.
func (w *WorkflowDefinition) Job(name string) (*JobSpec, bool) {
	for i := range w.Jobs {
		if w.Jobs[i].Name == name {
			return &w.Jobs[i], true
		}
	}
	return nil, false
}

type JobSpec struct {
	Name            string            `json:"name" yaml:"name" validate:"required"`
	Needs           []string          `json:"needs,omitempty" yaml:"needs,omitempty" validate:"dive,required"`
	If              string            `json:"if,omitempty" yaml:"if,omitempty"`
	Matrix          *MatrixSpec       `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Concurrency     *ConcurrencySpec  `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	RunIfAlways     bool              `json:"run_if_always,omitempty" yaml:"run_if_always,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

type MatrixDimension struct {
	Name       string `json:"name" yaml:"name" validate:"required"`
	Values     []any  `json:"values,omitempty" yaml:"values,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// IsDynamic reports whether the dimension's values come from an expression.
func (d MatrixDimension) IsDynamic() bool {
	return d.Expression != ""
}

type MatrixSpec struct {
	Dimensions  []MatrixDimension `json:"dimensions,omitempty" yaml:"dimensions,omitempty" validate:"dive"`
	Expression  string            `json:"expression,omitempty" yaml:"expression,omitempty"`
	Include     []map[string]any  `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude     []map[string]any  `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	FailFast    *bool             `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	MaxParallel int               `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"gte=0"`
}

// IsDynamic reports whether any part of the matrix must be evaluated at run time.
func (m *MatrixSpec) IsDynamic() bool {
	if m == nil {
		return false
	}
	if m.Expression != "" {
		return true
	}
	for _, d := range m.Dimensions {
		if d.IsDynamic() {
			return true
		}
	}
	return false
}

// FailsFast defaults to true when unset.
func (m *MatrixSpec) FailsFast() bool {
	if m == nil || m.FailFast == nil {
		return true
	}
	return *m.FailFast
}

type ConcurrencySpec struct {
	Group            string `json:"group" yaml:"group" validate:"required"`
	CancelInProgress bool   `json:"cancel_in_progress,omitempty" yaml:"cancel_in_progress,omitempty"`
}

type JobNode struct {
	ID               string            `json:"id"`
	JobName          string            `json:"job_name"`
	DisplayName      string            `json:"display_name,omitempty"`
	Index            int               `json:"index"`
	Matrix           map[string]any    `json:"matrix,omitempty"`
	Needs            []string          `json:"needs,omitempty"`
	Status           NodeStatus        `json:"status"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty"`
	Handle           string            `json:"handle,omitempty"`
	ConcurrencyGroup string            `json:"concurrency_group,omitempty"`
	Deferred         bool              `json:"deferred,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func (n *JobNode) IsTerminal() bool {
	return n.Status.IsTerminal()
}

type WorkflowRun struct {
	ID          string              `json:"id"`
	Workflow    WorkflowDefinition  `json:"workflow"`
	Trigger     map[string]any      `json:"trigger,omitempty"`
	Inputs      map[string]any      `json:"inputs,omitempty"`
	Env         map[string]string   `json:"env,omitempty"`
	Nodes       map[string]*JobNode `json:"nodes"`
	Order       []string            `json:"order"`
	Status      RunStatus           `json:"status"`
	Error       string              `json:"error,omitempty"`
	Cancelled   bool                `json:"cancelled,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// NodesOf returns the nodes of a job in run order.
func (r *WorkflowRun) NodesOf(job string) []*JobNode {
	var nodes []*JobNode
	for _, id := range r.Order {
		if n := r.Nodes[id]; n != nil && n.JobName == job {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Clone returns a copy of the run that shares no mutable node state.
func (r *WorkflowRun) Clone() *WorkflowRun {
	out := *r
	out.Order = append([]string(nil), r.Order...)
	out.Nodes = make(map[string]*JobNode, len(r.Nodes))
	for id, n := range r.Nodes {
		cp := *n
		if n.Outputs != nil {
			cp.Outputs = make(map[string]string, len(n.Outputs))
			for k, v := range n.Outputs {
				cp.Outputs[k] = v
			}
		}
		out.Nodes[id] = &cp
	}
	return &out
}

type Artifact struct {
	RunID         string    `json:"run_id"`
	Name          string    `json:"name"`
	Version       int       `json:"version"`
	NodeID        string    `json:"node_id,omitempty"`
	Files         []string  `json:"files"`
	Size          int64     `json:"size"`
	RetentionDays int       `json:"retention_days"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (a *Artifact) IsExpired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}
