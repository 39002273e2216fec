package graph

import (
	"errors"
	"testing"

	"github.com/eleven-am/conduit/internal/adapters/matrix"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workflow(jobs ...domain.JobSpec) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{Name: "ci", Jobs: jobs}
}

func job(name string, needs ...string) domain.JobSpec {
	return domain.JobSpec{Name: name, Needs: needs}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestBuild_TopologicalOrderRespectsNeeds(t *testing.T) {
	def := workflow(
		job("deploy", "test", "lint"),
		job("test", "build"),
		job("lint"),
		job("build"),
		job("notify", "deploy", "build"),
	)

	g, err := NewBuilder(nil, nil).Build(def)
	require.NoError(t, err)

	assert.Equal(t, []string{"lint", "build", "test", "deploy", "notify"}, g.JobOrder())

	order := g.TopologicalOrder()
	for _, spec := range def.Jobs {
		for _, need := range spec.Needs {
			for _, from := range g.NodesOf(need) {
				for _, to := range g.NodesOf(spec.Name) {
					assert.Less(t, indexOf(order, from), indexOf(order, to), "%s must precede %s", from, to)
				}
			}
		}
	}

	assert.Equal(t, []string{"build", "lint"}, g.Roots())
}

func TestBuild_MatrixNodesShareNeedsEdges(t *testing.T) {
	def := workflow(
		domain.JobSpec{
			Name: "build",
			Matrix: &domain.MatrixSpec{
				Dimensions: []domain.MatrixDimension{
					{Name: "os", Values: []any{"a", "b"}},
					{Name: "ver", Values: []any{1, 2}},
				},
				Exclude: []map[string]any{{"os": "a", "ver": 2}},
			},
		},
		job("release", "build"),
	)

	g, err := NewBuilder(nil, nil).Build(def)
	require.NoError(t, err)

	builds := g.NodesOf("build")
	require.Len(t, builds, 3)

	n0, _ := g.Node(builds[0])
	n2, _ := g.Node(builds[2])
	assert.Equal(t, map[string]any{"os": "a", "ver": 1}, n0.Matrix)
	assert.Equal(t, map[string]any{"os": "b", "ver": 2}, n2.Matrix)
	assert.Equal(t, "build (b, 2)", n2.DisplayName)
	assert.Equal(t, domain.NodeStatusBlocked, n0.Status)

	parents, err := g.Parents("release")
	require.NoError(t, err)
	assert.ElementsMatch(t, builds, parents)

	children, err := g.Children(builds[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"release"}, children)
}

func TestBuild_GraphErrors(t *testing.T) {
	tests := []struct {
		name  string
		def   *domain.WorkflowDefinition
		check func(t *testing.T, ge *domain.GraphError)
	}{
		{
			name: "unknown need",
			def:  workflow(job("a", "ghost")),
			check: func(t *testing.T, ge *domain.GraphError) {
				assert.Equal(t, "a", ge.Job)
				assert.Equal(t, "ghost", ge.Need)
			},
		},
		{
			name: "cycle names members only",
			def:  workflow(job("a", "c"), job("b", "a"), job("c", "b"), job("d", "c"), job("e")),
			check: func(t *testing.T, ge *domain.GraphError) {
				assert.Equal(t, []string{"a", "b", "c"}, ge.Cycle)
				assert.Contains(t, ge.Error(), "a, b, c")
			},
		},
		{
			name: "self cycle",
			def:  workflow(job("a", "a")),
			check: func(t *testing.T, ge *domain.GraphError) {
				assert.Equal(t, []string{"a"}, ge.Cycle)
			},
		},
		{
			name: "duplicate job",
			def:  workflow(job("a"), job("a")),
			check: func(t *testing.T, ge *domain.GraphError) {
				assert.Equal(t, "a", ge.Job)
			},
		},
		{
			name: "invalid name",
			def:  workflow(job("bad:name")),
			check: func(t *testing.T, ge *domain.GraphError) {
				assert.Equal(t, "bad:name", ge.Job)
			},
		},
		{
			name:  "empty workflow",
			def:   workflow(),
			check: func(t *testing.T, ge *domain.GraphError) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(nil, nil).Build(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrGraph)

			var ge *domain.GraphError
			require.True(t, errors.As(err, &ge))
			tt.check(t, ge)
		})
	}
}

func TestBuild_MatrixErrorIsStructural(t *testing.T) {
	def := workflow(domain.JobSpec{
		Name:   "build",
		Matrix: &domain.MatrixSpec{Dimensions: []domain.MatrixDimension{{Name: "os"}}},
	})

	_, err := NewBuilder(nil, nil).Build(def)
	require.Error(t, err)
	assert.True(t, domain.IsStructural(err))
	assert.True(t, domain.IsMatrixError(err))
}

func TestGraph_ExpandDeferred(t *testing.T) {
	def := workflow(
		job("setup"),
		domain.JobSpec{
			Name:  "build",
			Needs: []string{"setup"},
			Matrix: &domain.MatrixSpec{
				Dimensions: []domain.MatrixDimension{{Name: "arch", Expression: "fromJSON(needs.setup.outputs.archs)"}},
			},
		},
		job("publish", "build"),
	)

	g, err := NewBuilder(nil, nil).Build(def)
	require.NoError(t, err)

	placeholder, ok := g.Node("build")
	require.True(t, ok)
	assert.True(t, placeholder.Deferred)

	created, err := g.Expand("build", &matrix.Expansion{
		Dimensions:   []string{"arch"},
		Combinations: []map[string]any{{"arch": "x86"}, {"arch": "arm"}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	_, ok = g.Node("build")
	assert.False(t, ok)

	for _, n := range created {
		parents, err := g.Parents(n.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"setup"}, parents)

		children, err := g.Children(n.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"publish"}, children)
	}

	assert.Equal(t, []string{"setup", created[0].ID, created[1].ID, "publish"}, g.TopologicalOrder())

	_, err = g.Expand("build", &matrix.Expansion{Combinations: []map[string]any{{"arch": "x"}}})
	assert.ErrorIs(t, err, domain.ErrGraph)
}

func TestBuilder_Rebuild(t *testing.T) {
	def := workflow(job("a"), job("b", "a"))
	original, err := NewBuilder(nil, nil).Build(def)
	require.NoError(t, err)

	nodes := original.Nodes()
	nodes["a"].Status = domain.NodeStatusSuccess

	rebuilt, err := NewBuilder(nil, nil).Rebuild(def, nodes, original.TopologicalOrder())
	require.NoError(t, err)

	parents, err := rebuilt.Parents("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, parents)

	n, _ := rebuilt.Node("a")
	assert.Equal(t, domain.NodeStatusSuccess, n.Status)

	_, err = NewBuilder(nil, nil).Rebuild(def, nodes, []string{"a", "missing"})
	assert.ErrorIs(t, err, domain.ErrGraph)
}
