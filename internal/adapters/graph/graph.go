package graph

import (
	"sort"

	"github.com/eleven-am/conduit/internal/adapters/matrix"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/heimdalr/dag"
)

// Graph is the node-level DAG of one run. Every node of a job depends on
// every node of each job it needs. It is owned by a single run loop.
type Graph struct {
	dag      *dag.DAG
	jobs     map[string]*domain.JobSpec
	jobOrder []string
	nodes    map[string]*domain.JobNode
	byJob    map[string][]string
	dims     map[string][]string
}

func (g *Graph) addNode(spec *domain.JobSpec, index int, combo map[string]any, display string, deferred bool) *domain.JobNode {
	id := matrix.NodeID(spec.Name, combo)
	if display == "" {
		display = spec.Name
	}
	n := &domain.JobNode{
		ID:          id,
		JobName:     spec.Name,
		DisplayName: display,
		Index:       index,
		Matrix:      combo,
		Needs:       append([]string(nil), spec.Needs...),
		Status:      domain.NodeStatusBlocked,
		Deferred:    deferred,
	}
	g.insert(n)
	return n
}

func (g *Graph) insert(n *domain.JobNode) {
	g.nodes[n.ID] = n
	g.byJob[n.JobName] = append(g.byJob[n.JobName], n.ID)
}

func (g *Graph) link() error {
	for _, id := range g.TopologicalOrder() {
		if err := g.dag.AddVertexByID(id, id); err != nil {
			return &domain.GraphError{Job: g.nodes[id].JobName, Message: "duplicate node " + id}
		}
	}
	for _, job := range g.jobOrder {
		for _, need := range g.jobs[job].Needs {
			for _, from := range g.byJob[need] {
				for _, to := range g.byJob[job] {
					if err := g.dag.AddEdge(from, to); err != nil {
						return edgeError(from, to, err)
					}
				}
			}
		}
	}
	return nil
}

func (g *Graph) Job(name string) (*domain.JobSpec, bool) {
	spec, ok := g.jobs[name]
	return spec, ok
}

// JobOrder returns job names in topological order, ties broken by declaration.
func (g *Graph) JobOrder() []string {
	return append([]string(nil), g.jobOrder...)
}

func (g *Graph) Node(id string) (*domain.JobNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Nodes() map[string]*domain.JobNode {
	return g.nodes
}

// NodesOf returns the node ids of a job in expansion order.
func (g *Graph) NodesOf(job string) []string {
	return append([]string(nil), g.byJob[job]...)
}

// Dimensions returns the declared matrix dimension order of a job.
func (g *Graph) Dimensions(job string) []string {
	return g.dims[job]
}

// TopologicalOrder lists every node such that each needs edge points forward.
func (g *Graph) TopologicalOrder() []string {
	order := make([]string, 0, len(g.nodes))
	for _, job := range g.jobOrder {
		order = append(order, g.byJob[job]...)
	}
	return order
}

func (g *Graph) Parents(id string) ([]string, error) {
	parents, err := g.dag.GetParents(id)
	if err != nil {
		return nil, domain.NewKeyNotFoundError(id)
	}
	return sortedIDs(parents), nil
}

func (g *Graph) Children(id string) ([]string, error) {
	children, err := g.dag.GetChildren(id)
	if err != nil {
		return nil, domain.NewKeyNotFoundError(id)
	}
	return sortedIDs(children), nil
}

func (g *Graph) Roots() []string {
	return sortedIDs(g.dag.GetRoots())
}

// Expand replaces a deferred placeholder with concrete matrix nodes and
// rewires its edges. The new nodes are returned in combination order.
func (g *Graph) Expand(job string, expansion *matrix.Expansion) ([]*domain.JobNode, error) {
	spec, ok := g.jobs[job]
	if !ok {
		return nil, &domain.GraphError{Job: job, Message: "unknown job"}
	}
	ids := g.byJob[job]
	if len(ids) != 1 || !g.nodes[ids[0]].Deferred {
		return nil, &domain.GraphError{Job: job, Message: "job has no deferred matrix"}
	}
	placeholder := g.nodes[ids[0]]

	children, err := g.Children(placeholder.ID)
	if err != nil {
		return nil, err
	}
	parents, err := g.Parents(placeholder.ID)
	if err != nil {
		return nil, err
	}

	if err := g.dag.DeleteVertex(placeholder.ID); err != nil {
		return nil, &domain.GraphError{Job: job, Message: "remove placeholder: " + err.Error()}
	}
	delete(g.nodes, placeholder.ID)
	g.byJob[job] = nil
	g.dims[job] = expansion.Dimensions

	created := make([]*domain.JobNode, 0, len(expansion.Combinations))
	for i, combo := range expansion.Combinations {
		n := g.addNode(spec, i, combo, matrix.DisplayName(job, expansion.Dimensions, combo), false)
		if err := g.dag.AddVertexByID(n.ID, n.ID); err != nil {
			return nil, &domain.GraphError{Job: job, Message: "duplicate node " + n.ID}
		}
		for _, parent := range parents {
			if err := g.dag.AddEdge(parent, n.ID); err != nil {
				return nil, edgeError(parent, n.ID, err)
			}
		}
		for _, child := range children {
			if err := g.dag.AddEdge(n.ID, child); err != nil {
				return nil, edgeError(n.ID, child, err)
			}
		}
		created = append(created, n)
	}
	return created, nil
}

func sortedIDs(m map[string]interface{}) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
