package graph

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/eleven-am/conduit/internal/adapters/matrix"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/heimdalr/dag"
)

var jobNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Builder validates job specs and turns them into a node graph.
type Builder struct {
	expander *matrix.Expander
	logger   *slog.Logger
}

func NewBuilder(expander *matrix.Expander, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if expander == nil {
		expander = matrix.NewExpander(0, logger)
	}
	return &Builder{
		expander: expander,
		logger:   logger.With("component", "graph-builder"),
	}
}

// Build validates the needs graph and expands static matrices. Jobs with a
// dynamic matrix get one deferred placeholder node.
func (b *Builder) Build(def *domain.WorkflowDefinition) (*Graph, error) {
	g, err := b.newGraph(def)
	if err != nil {
		return nil, err
	}

	for _, job := range g.jobOrder {
		spec := g.jobs[job]
		switch {
		case spec.Matrix == nil:
			g.addNode(spec, 0, nil, "", false)
		case spec.Matrix.IsDynamic():
			g.addNode(spec, 0, nil, "", true)
		default:
			expansion, err := b.expander.Expand(job, spec.Matrix, nil)
			if err != nil {
				return nil, err
			}
			g.dims[job] = expansion.Dimensions
			for i, combo := range expansion.Combinations {
				g.addNode(spec, i, combo, matrix.DisplayName(job, expansion.Dimensions, combo), false)
			}
		}
	}

	if err := g.link(); err != nil {
		return nil, err
	}

	b.logger.Debug("graph built",
		"workflow", def.Name,
		"jobs", len(g.jobOrder),
		"nodes", len(g.nodes))

	return g, nil
}

// Rebuild reconstructs the graph around nodes loaded from a persisted run.
func (b *Builder) Rebuild(def *domain.WorkflowDefinition, nodes map[string]*domain.JobNode, order []string) (*Graph, error) {
	g, err := b.newGraph(def)
	if err != nil {
		return nil, err
	}

	for _, id := range order {
		n, ok := nodes[id]
		if !ok {
			return nil, &domain.GraphError{Job: id, Message: "persisted order references a missing node"}
		}
		if _, ok := g.jobs[n.JobName]; !ok {
			return nil, &domain.GraphError{Job: n.JobName, Message: "persisted node belongs to an undeclared job"}
		}
		g.insert(n)
	}

	if err := g.link(); err != nil {
		return nil, err
	}
	return g, nil
}

func (b *Builder) newGraph(def *domain.WorkflowDefinition) (*Graph, error) {
	if def == nil || len(def.Jobs) == 0 {
		return nil, &domain.GraphError{Message: "workflow declares no jobs"}
	}

	g := &Graph{
		dag:   dag.NewDAG(),
		jobs:  make(map[string]*domain.JobSpec, len(def.Jobs)),
		nodes: make(map[string]*domain.JobNode),
		byJob: make(map[string][]string, len(def.Jobs)),
		dims:  make(map[string][]string),
	}

	declared := make([]string, 0, len(def.Jobs))
	for i := range def.Jobs {
		spec := &def.Jobs[i]
		if !jobNamePattern.MatchString(spec.Name) {
			return nil, &domain.GraphError{Job: spec.Name, Message: "invalid job name"}
		}
		if _, dup := g.jobs[spec.Name]; dup {
			return nil, &domain.GraphError{Job: spec.Name, Message: "job declared twice"}
		}
		g.jobs[spec.Name] = spec
		declared = append(declared, spec.Name)
	}

	for _, name := range declared {
		spec := g.jobs[name]
		spec.Needs = dedupe(spec.Needs)
		for _, need := range spec.Needs {
			if _, ok := g.jobs[need]; !ok {
				return nil, &domain.GraphError{Job: name, Need: need}
			}
		}
	}

	order, err := topoSort(declared, g.jobs)
	if err != nil {
		return nil, err
	}
	g.jobOrder = order
	return g, nil
}

// topoSort runs Kahn's algorithm, seeding and releasing jobs in declaration order.
func topoSort(declared []string, jobs map[string]*domain.JobSpec) ([]string, error) {
	indegree := make(map[string]int, len(declared))
	dependents := make(map[string][]string, len(declared))
	for _, name := range declared {
		indegree[name] = len(jobs[name].Needs)
		for _, need := range jobs[name].Needs {
			dependents[need] = append(dependents[need], name)
		}
	}

	var queue []string
	for _, name := range declared {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(declared))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) == len(declared) {
		return order, nil
	}

	remaining := make(map[string]struct{})
	for _, name := range declared {
		if indegree[name] > 0 {
			remaining[name] = struct{}{}
		}
	}
	return nil, &domain.GraphError{Cycle: cycleMembers(remaining, jobs)}
}

// cycleMembers keeps the unsorted jobs that can reach themselves, dropping
// jobs that are only blocked downstream of a cycle.
func cycleMembers(remaining map[string]struct{}, jobs map[string]*domain.JobSpec) []string {
	var members []string
	for name := range remaining {
		if reaches(name, name, remaining, jobs, map[string]bool{}) {
			members = append(members, name)
		}
	}
	sort.Strings(members)
	return members
}

func reaches(from, target string, remaining map[string]struct{}, jobs map[string]*domain.JobSpec, visited map[string]bool) bool {
	for _, need := range jobs[from].Needs {
		if _, ok := remaining[need]; !ok {
			continue
		}
		if need == target {
			return true
		}
		if visited[need] {
			continue
		}
		visited[need] = true
		if reaches(need, target, remaining, jobs, visited) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func edgeError(from, to string, err error) error {
	if _, ok := err.(dag.EdgeLoopError); ok {
		return &domain.GraphError{Cycle: []string{from, to}}
	}
	return &domain.GraphError{Job: to, Message: fmt.Sprintf("link %s: %v", from, err)}
}
