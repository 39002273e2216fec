package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/adapters/backend"
	"github.com/eleven-am/conduit/internal/adapters/events"
	"github.com/eleven-am/conduit/internal/adapters/storage"
	"github.com/eleven-am/conduit/internal/adapters/store"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestStorage(t *testing.T) *storage.AppStorage {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewAppStorage(db, createTestLogger())
}

type harness struct {
	engine  *Engine
	backend ports.ExecutionBackend
	state   *StateManager
	outputs *store.Outputs
	lanes   *Lanes
}

func newHarness(t *testing.T, be ports.ExecutionBackend, configure ...func(*domain.EngineConfig)) *harness {
	t.Helper()

	st := newTestStorage(t)
	cfg := domain.DefaultEngineConfig()
	cfg.DispatchRate = 1000
	cfg.DispatchBurst = 100
	for _, fn := range configure {
		fn(&cfg)
	}

	logger := createTestLogger()
	h := &harness{
		backend: be,
		state:   NewStateManager(st, logger),
		outputs: store.NewOutputs(st, 0, logger),
		lanes:   NewLanes(nil, logger),
	}

	e, err := NewEngine(cfg, Dependencies{
		Backend:   be,
		Outputs:   h.outputs,
		Artifacts: store.NewArtifacts(st, domain.DefaultStoreConfig(), logger),
		State:     h.state,
		Lanes:     h.lanes,
	}, logger)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) start(t *testing.T, def domain.WorkflowDefinition) *Scheduler {
	t.Helper()
	run, g, err := h.engine.NewRun(def, RunOptions{})
	require.NoError(t, err)
	return h.engine.Schedule(run, g)
}

func (h *harness) run(t *testing.T, def domain.WorkflowDefinition) *domain.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.start(t, def).Run(ctx)
	require.NoError(t, err)
	return result
}

func workflow(jobs ...domain.JobSpec) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{Name: "ci", Jobs: jobs}
}

func job(name string, needs ...string) domain.JobSpec {
	return domain.JobSpec{Name: name, Needs: needs}
}

func succeed(context.Context, ports.DispatchRequest) (map[string]ports.StepResult, error) {
	return nil, nil
}

func fail(context.Context, ports.DispatchRequest) (map[string]ports.StepResult, error) {
	return nil, errors.New("exit status 1")
}

func block(ctx context.Context, _ ports.DispatchRequest) (map[string]ports.StepResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recorder captures every dispatch request by node id.
type recorder struct {
	mu       sync.Mutex
	requests map[string]ports.DispatchRequest
	active   int
	peak     int
}

func newRecorder() *recorder {
	return &recorder{requests: make(map[string]ports.DispatchRequest)}
}

func (r *recorder) wrap(h backend.Handler) backend.Handler {
	return func(ctx context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
		r.mu.Lock()
		r.requests[req.NodeID] = req
		r.active++
		if r.active > r.peak {
			r.peak = r.active
		}
		r.mu.Unlock()

		defer func() {
			r.mu.Lock()
			r.active--
			r.mu.Unlock()
		}()
		return h(ctx, req)
	}
}

func (r *recorder) request(id string) (ports.DispatchRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	return req, ok
}

func (r *recorder) maxActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func waitForStatus(t *testing.T, s *Scheduler, nodeID string, status domain.NodeStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		n := s.Snapshot().Nodes[nodeID]
		return n != nil && n.Status == status
	}, 3*time.Second, 5*time.Millisecond, "node %s never reached %s", nodeID, status)
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(domain.DefaultEngineConfig(), Dependencies{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "backend", cfgErr.Field)
}

func TestEngine_NewRunRecordsStructuralError(t *testing.T) {
	h := newHarness(t, backend.NewFunc(succeed, nil))

	run, g, err := h.engine.NewRun(workflow(job("a", "b"), job("b", "a")), RunOptions{ID: "run-1"})
	require.Error(t, err)
	assert.True(t, domain.IsStructural(err))
	assert.Nil(t, g)
	require.NotNil(t, run)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, domain.RunStatusFailure, run.Status)
	assert.Equal(t, err.Error(), run.Error)
	assert.NotNil(t, run.CompletedAt)
}

func TestScheduler_FailureSkipsDependents(t *testing.T) {
	be := backend.NewFunc(succeed, nil).Handle("test", fail)
	h := newHarness(t, be)

	run := h.run(t, workflow(job("build"), job("test", "build"), job("deploy", "test")))

	assert.Equal(t, domain.RunStatusFailure, run.Status)
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["build"].Status)
	assert.Equal(t, domain.NodeStatusFailure, run.Nodes["test"].Status)
	assert.Equal(t, "exit status 1", run.Nodes["test"].Error)
	assert.Equal(t, "execution", run.Nodes["test"].ErrorKind)
	assert.Equal(t, domain.NodeStatusSkipped, run.Nodes["deploy"].Status)
	assert.Equal(t, []string{"build", "test", "deploy"}, run.Order)

	persisted, err := h.state.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailure, persisted.Status)
	assert.Equal(t, domain.NodeStatusSkipped, persisted.Nodes["deploy"].Status)

	metrics := h.engine.Metrics()
	assert.Equal(t, int64(1), metrics.RunsFailed)
	assert.Equal(t, int64(2), metrics.NodesDispatched)
	assert.Equal(t, int64(1), metrics.NodesSkipped)
}

func TestScheduler_StatusConditions(t *testing.T) {
	rec := newRecorder()
	be := backend.NewFunc(rec.wrap(succeed), nil).Handle("test", rec.wrap(fail))
	h := newHarness(t, be)

	cleanup := job("cleanup", "test")
	cleanup.If = "always()"
	notify := job("notify", "test")
	notify.If = "${{ failure() }}"
	celebrate := job("celebrate", "test")
	celebrate.If = "success()"
	report := job("report", "test")
	report.RunIfAlways = true

	run := h.run(t, workflow(job("test"), cleanup, notify, celebrate, report))

	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["cleanup"].Status)
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["notify"].Status)
	assert.Equal(t, domain.NodeStatusSkipped, run.Nodes["celebrate"].Status)
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["report"].Status)

	_, dispatched := rec.request("celebrate")
	assert.False(t, dispatched)
}

func TestScheduler_InvalidConditionFailsNode(t *testing.T) {
	h := newHarness(t, backend.NewFunc(succeed, nil))

	bad := job("bad")
	bad.If = "github.event ==="
	run := h.run(t, workflow(bad, job("after", "bad")))

	assert.Equal(t, domain.NodeStatusFailure, run.Nodes["bad"].Status)
	assert.Equal(t, "evaluation", run.Nodes["bad"].ErrorKind)
	assert.Equal(t, domain.NodeStatusSkipped, run.Nodes["after"].Status)
	assert.Equal(t, domain.RunStatusFailure, run.Status)
}

func TestScheduler_OutputsVisibleToDirectNeedsOnly(t *testing.T) {
	rec := newRecorder()
	be := backend.NewFunc(rec.wrap(succeed), nil).
		Handle("build", rec.wrap(func(context.Context, ports.DispatchRequest) (map[string]ports.StepResult, error) {
			return map[string]ports.StepResult{
				"meta": {Outcome: domain.NodeStatusSuccess, Conclusion: domain.NodeStatusSuccess, Outputs: map[string]string{"version": "1.2.3"}},
			}, nil
		}))
	h := newHarness(t, be)

	build := job("build")
	build.Outputs = map[string]string{"version": "${{ steps.meta.outputs.version }}"}
	test := job("test", "build")
	test.Env = map[string]string{"VERSION": "${{ needs.build.outputs.version }}"}
	deploy := job("deploy", "test")
	deploy.Env = map[string]string{"VERSION": "${{ needs.build.outputs.version }}"}

	run := h.run(t, workflow(build, test, deploy))
	require.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, map[string]string{"version": "1.2.3"}, run.Nodes["build"].Outputs)

	testReq, ok := rec.request("test")
	require.True(t, ok)
	assert.Equal(t, "1.2.3", testReq.Env["VERSION"])
	assert.Equal(t, domain.NodeStatusSuccess, testReq.Needs["build"].Result)
	assert.Equal(t, "1.2.3", testReq.Needs["build"].Outputs["version"])

	deployReq, ok := rec.request("deploy")
	require.True(t, ok)
	assert.Empty(t, deployReq.Env["VERSION"])
	assert.NotContains(t, deployReq.Needs, "build")
	assert.Contains(t, deployReq.Needs, "test")

	outputs, err := h.outputs.GetOutputs(run.ID, "build")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", outputs["version"])
}

func TestScheduler_BackendOutputsWriter(t *testing.T) {
	be := backend.NewFunc(succeed, nil).
		Handle("build", func(_ context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
			return nil, req.Outputs.SetOutput("digest", "sha256:abc")
		})
	h := newHarness(t, be)

	run := h.run(t, workflow(job("build"), job("push", "build")))
	require.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, "sha256:abc", run.Nodes["build"].Outputs["digest"])
}

func TestScheduler_FailedNodeOutputsAreHidden(t *testing.T) {
	rec := newRecorder()
	be := backend.NewFunc(rec.wrap(succeed), nil).
		Handle("build", func(_ context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
			_ = req.Outputs.SetOutput("partial", "yes")
			return nil, errors.New("compile error")
		})
	h := newHarness(t, be)

	report := job("report", "build")
	report.If = "always()"
	run := h.run(t, workflow(job("build"), report))

	assert.Empty(t, run.Nodes["build"].Outputs)
	req, ok := rec.request("report")
	require.True(t, ok)
	assert.Equal(t, domain.NodeStatusFailure, req.Needs["build"].Result)
	assert.Empty(t, req.Needs["build"].Outputs)
}

func TestScheduler_Timeout(t *testing.T) {
	h := newHarness(t, backend.NewFunc(block, nil))

	slow := job("slow")
	slow.Timeout = 50 * time.Millisecond
	run := h.run(t, workflow(slow, job("after", "slow")))

	assert.Equal(t, domain.RunStatusFailure, run.Status)
	assert.Equal(t, domain.NodeStatusFailure, run.Nodes["slow"].Status)
	assert.Equal(t, "timeout", run.Nodes["slow"].ErrorKind)
	assert.Contains(t, run.Nodes["slow"].Error, "exceeded timeout of 50ms")
	assert.Equal(t, domain.NodeStatusSkipped, run.Nodes["after"].Status)
	assert.Equal(t, int64(1), h.engine.Metrics().NodesTimedOut)

	fb := h.backend.(*backend.Func)
	require.Eventually(t, func() bool { return fb.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_DefaultTimeoutApplies(t *testing.T) {
	h := newHarness(t, backend.NewFunc(block, nil), func(cfg *domain.EngineConfig) {
		cfg.DefaultJobTimeout = 30 * time.Millisecond
	})

	run := h.run(t, workflow(job("slow")))
	assert.Equal(t, "timeout", run.Nodes["slow"].ErrorKind)
}

func TestScheduler_ContinueOnError(t *testing.T) {
	rec := newRecorder()
	be := backend.NewFunc(rec.wrap(succeed), nil).Handle("lint", fail)
	h := newHarness(t, be)

	lint := job("lint")
	lint.ContinueOnError = true
	run := h.run(t, workflow(lint, job("build", "lint")))

	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, domain.NodeStatusFailure, run.Nodes["lint"].Status)
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["build"].Status)

	req, ok := rec.request("build")
	require.True(t, ok)
	assert.Equal(t, domain.NodeStatusSuccess, req.Needs["lint"].Result)
}

func matrixJob(name string, values ...any) domain.JobSpec {
	spec := job(name)
	spec.Matrix = &domain.MatrixSpec{
		Dimensions: []domain.MatrixDimension{{Name: "os", Values: values}},
	}
	return spec
}

func TestScheduler_MatrixFailFast(t *testing.T) {
	started := make(chan struct{}, 4)
	be := backend.NewFunc(func(ctx context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
		if req.Matrix["os"] == "linux" {
			<-started
			<-started
			return nil, errors.New("linux broke")
		}
		started <- struct{}{}
		return block(ctx, req)
	}, nil)
	h := newHarness(t, be)

	run := h.run(t, workflow(matrixJob("test", "linux", "mac", "windows")))

	assert.Equal(t, domain.RunStatusFailure, run.Status)
	statuses := map[domain.NodeStatus]int{}
	for _, n := range run.NodesOf("test") {
		statuses[n.Status]++
	}
	assert.Equal(t, 1, statuses[domain.NodeStatusFailure])
	assert.Equal(t, 2, statuses[domain.NodeStatusCancelled])
}

func TestScheduler_MatrixWithoutFailFast(t *testing.T) {
	be := backend.NewFunc(func(_ context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
		if req.Matrix["os"] == "linux" {
			return nil, errors.New("linux broke")
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}, nil)
	h := newHarness(t, be)

	spec := matrixJob("test", "linux", "mac", "windows")
	failFast := false
	spec.Matrix.FailFast = &failFast
	run := h.run(t, workflow(spec))

	statuses := map[domain.NodeStatus]int{}
	for _, n := range run.NodesOf("test") {
		statuses[n.Status]++
	}
	assert.Equal(t, 1, statuses[domain.NodeStatusFailure])
	assert.Equal(t, 2, statuses[domain.NodeStatusSuccess])
	assert.Equal(t, domain.RunStatusFailure, run.Status)
}

func TestScheduler_MatrixVariantsSeeTheirBindings(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, backend.NewFunc(rec.wrap(succeed), nil))

	spec := matrixJob("test", "linux", "mac")
	spec.Env = map[string]string{"TARGET": "${{ matrix.os }}-amd64"}
	spec.If = "matrix.os != 'mac'"
	run := h.run(t, workflow(spec))

	require.Equal(t, domain.RunStatusSuccess, run.Status)
	nodes := run.NodesOf("test")
	require.Len(t, nodes, 2)
	assert.Equal(t, domain.NodeStatusSuccess, nodes[0].Status)
	assert.Equal(t, domain.NodeStatusSkipped, nodes[1].Status)

	req, ok := rec.request(nodes[0].ID)
	require.True(t, ok)
	assert.Equal(t, "linux-amd64", req.Env["TARGET"])
	assert.Equal(t, "linux", req.Matrix["os"])
}

func TestScheduler_MaxParallelAndRunLimit(t *testing.T) {
	rec := newRecorder()
	slow := func(context.Context, ports.DispatchRequest) (map[string]ports.StepResult, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}

	t.Run("max parallel", func(t *testing.T) {
		h := newHarness(t, backend.NewFunc(rec.wrap(slow), nil))
		spec := matrixJob("test", "a", "b", "c", "d")
		spec.Matrix.MaxParallel = 2

		run := h.run(t, workflow(spec))
		assert.Equal(t, domain.RunStatusSuccess, run.Status)
		assert.LessOrEqual(t, rec.maxActive(), 2)
	})

	t.Run("max concurrent jobs", func(t *testing.T) {
		rec = newRecorder()
		h := newHarness(t, backend.NewFunc(rec.wrap(slow), nil), func(cfg *domain.EngineConfig) {
			cfg.MaxConcurrentJobs = 1
		})

		run := h.run(t, workflow(job("a"), job("b"), job("c")))
		assert.Equal(t, domain.RunStatusSuccess, run.Status)
		assert.Equal(t, 1, rec.maxActive())
	})
}

func TestScheduler_DynamicMatrix(t *testing.T) {
	rec := newRecorder()
	be := backend.NewFunc(rec.wrap(succeed), nil).
		Handle("setup", func(context.Context, ports.DispatchRequest) (map[string]ports.StepResult, error) {
			return map[string]ports.StepResult{
				"list": {Outcome: domain.NodeStatusSuccess, Conclusion: domain.NodeStatusSuccess, Outputs: map[string]string{"targets": `["eu","us"]`}},
			}, nil
		})
	h := newHarness(t, be)

	setup := job("setup")
	setup.Outputs = map[string]string{"targets": "${{ steps.list.outputs.targets }}"}
	deploy := job("deploy", "setup")
	deploy.Matrix = &domain.MatrixSpec{
		Dimensions: []domain.MatrixDimension{{Name: "region", Expression: "${{ fromJSON(needs.setup.outputs.targets) }}"}},
	}
	deploy.Env = map[string]string{"REGION": "${{ matrix.region }}"}

	s := h.start(t, workflow(setup, deploy, job("verify", "deploy")))
	before := s.Snapshot()
	require.Contains(t, before.Nodes, "deploy")
	assert.True(t, before.Nodes["deploy"].Deferred)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	nodes := run.NodesOf("deploy")
	require.Len(t, nodes, 2)
	regions := []string{}
	for _, n := range nodes {
		assert.False(t, n.Deferred)
		assert.Equal(t, domain.NodeStatusSuccess, n.Status)
		req, ok := rec.request(n.ID)
		require.True(t, ok)
		regions = append(regions, req.Env["REGION"])
	}
	assert.Equal(t, []string{"eu", "us"}, regions)
	assert.NotContains(t, run.Nodes, "deploy")
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["verify"].Status)
	assert.Equal(t, "verify", run.Order[len(run.Order)-1])
}

func TestScheduler_DynamicMatrixErrorIsContained(t *testing.T) {
	be := backend.NewFunc(succeed, nil)
	h := newHarness(t, be)

	deploy := job("deploy", "setup")
	deploy.Matrix = &domain.MatrixSpec{
		Dimensions: []domain.MatrixDimension{{Name: "region", Expression: "${{ fromJSON(needs.setup.outputs.targets) }}"}},
	}
	other := job("other", "setup")

	run := h.run(t, workflow(job("setup"), deploy, other))

	assert.Equal(t, domain.NodeStatusFailure, run.Nodes["deploy"].Status)
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["other"].Status)
	assert.Equal(t, domain.RunStatusFailure, run.Status)
}

func TestScheduler_CancelRun(t *testing.T) {
	h := newHarness(t, backend.NewFunc(block, nil))

	cleanup := job("cleanup", "build")
	cleanup.If = "always()"
	s := h.start(t, workflow(job("build"), job("test", "build"), cleanup))

	done := make(chan *domain.WorkflowRun, 1)
	go func() {
		run, err := s.Run(context.Background())
		assert.NoError(t, err)
		done <- run
	}()

	waitForStatus(t, s, "build", domain.NodeStatusRunning)
	s.Cancel()

	var run *domain.WorkflowRun
	select {
	case run = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish after cancel")
	}

	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	assert.True(t, run.Cancelled)
	for _, id := range []string{"build", "test", "cleanup"} {
		assert.Equal(t, domain.NodeStatusCancelled, run.Nodes[id].Status, id)
	}

	fb := h.backend.(*backend.Func)
	require.Eventually(t, func() bool { return fb.Running() == 0 }, time.Second, 5*time.Millisecond)

	s.Cancel()
}

func TestScheduler_ConcurrencyGroupQueues(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	be := backend.NewFunc(rec.wrap(func(ctx context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil)
	h := newHarness(t, be)

	deploy := job("deploy")
	deploy.Concurrency = &domain.ConcurrencySpec{Group: "deploy-${{ inputs.env }}"}
	def := workflow(deploy)

	first, g1, err := h.engine.NewRun(def, RunOptions{ID: "run-1", Inputs: map[string]any{"env": "prod"}})
	require.NoError(t, err)
	second, g2, err := h.engine.NewRun(def, RunOptions{ID: "run-2", Inputs: map[string]any{"env": "prod"}})
	require.NoError(t, err)

	s1 := h.engine.Schedule(first, g1)
	s2 := h.engine.Schedule(second, g2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results := make(chan *domain.WorkflowRun, 2)
	go func() { r, _ := s1.Run(ctx); results <- r }()
	waitForStatus(t, s1, "deploy", domain.NodeStatusRunning)

	go func() { r, _ := s2.Run(ctx); results <- r }()
	waitForStatus(t, s2, "deploy", domain.NodeStatusReady)
	assert.Equal(t, "deploy-prod", s2.Snapshot().Nodes["deploy"].ConcurrencyGroup)

	runID, nodeID, held := h.lanes.Holder("deploy-prod")
	require.True(t, held)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "deploy", nodeID)

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			assert.Equal(t, domain.RunStatusSuccess, r.Status)
		case <-time.After(3 * time.Second):
			t.Fatal("runs did not finish")
		}
	}
	assert.Equal(t, 1, rec.maxActive())

	_, _, held = h.lanes.Holder("deploy-prod")
	assert.False(t, held)
}

func TestScheduler_CancelInProgressEvictsHolder(t *testing.T) {
	holderAtHandover := make(chan string, 1)
	var lanes *Lanes
	be := backend.NewFunc(func(ctx context.Context, req ports.DispatchRequest) (map[string]ports.StepResult, error) {
		if req.RunID == "run-1" {
			return block(ctx, req)
		}
		if req.JobName == "deploy" {
			runID, _, _ := lanes.Holder("deploy")
			holderAtHandover <- runID
		}
		return nil, nil
	}, nil)
	h := newHarness(t, be)
	lanes = h.engine.Lanes()

	deploy := job("deploy")
	deploy.Concurrency = &domain.ConcurrencySpec{Group: "deploy", CancelInProgress: true}
	def := workflow(deploy, job("notify", "deploy"))

	first, g1, err := h.engine.NewRun(def, RunOptions{ID: "run-1"})
	require.NoError(t, err)
	second, g2, err := h.engine.NewRun(def, RunOptions{ID: "run-2"})
	require.NoError(t, err)
	s1 := h.engine.Schedule(first, g1)
	s2 := h.engine.Schedule(second, g2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstDone := make(chan *domain.WorkflowRun, 1)
	go func() { r, _ := s1.Run(ctx); firstDone <- r }()
	waitForStatus(t, s1, "deploy", domain.NodeStatusRunning)

	secondRun, err := s2.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, secondRun.Status)

	evicted := <-firstDone
	assert.Equal(t, domain.NodeStatusCancelled, evicted.Nodes["deploy"].Status)
	assert.Equal(t, "evicted", evicted.Nodes["deploy"].ErrorKind)
	assert.Equal(t, domain.NodeStatusSkipped, evicted.Nodes["notify"].Status)
	assert.Equal(t, domain.RunStatusSuccess, evicted.Status)
	assert.False(t, evicted.Cancelled)
	assert.Equal(t, int64(1), h.engine.Metrics().NodesEvicted)

	evictedAt := evicted.Nodes["deploy"].CompletedAt
	startedAt := secondRun.Nodes["deploy"].StartedAt
	require.NotNil(t, evictedAt)
	require.NotNil(t, startedAt)
	assert.False(t, startedAt.Before(*evictedAt), "newcomer started before the evicted node was cancelled")
	assert.Equal(t, "run-2", <-holderAtHandover)
}

type panickingBackend struct{}

func (panickingBackend) Dispatch(context.Context, ports.DispatchRequest, ports.CompletionSink) (ports.Handle, error) {
	panic("driver bug")
}

func (panickingBackend) Cancel(context.Context, ports.Handle) error {
	return nil
}

func TestScheduler_BackendPanicFailsNode(t *testing.T) {
	h := newHarness(t, panickingBackend{})

	run := h.run(t, workflow(job("build")))
	assert.Equal(t, domain.RunStatusFailure, run.Status)
	assert.Equal(t, "panic", run.Nodes["build"].ErrorKind)
	assert.Contains(t, run.Nodes["build"].Error, "driver bug")
}

type statusBackend struct {
	status domain.NodeStatus
}

func (b statusBackend) Dispatch(_ context.Context, req ports.DispatchRequest, sink ports.CompletionSink) (ports.Handle, error) {
	handle := ports.Handle("h-" + req.NodeID)
	go sink.OnComplete(ports.Completion{Handle: handle, Status: b.status})
	return handle, nil
}

func (statusBackend) Cancel(context.Context, ports.Handle) error {
	return nil
}

func TestScheduler_UnknownCompletionStatusFails(t *testing.T) {
	h := newHarness(t, statusBackend{status: "exploded"})

	run := h.run(t, workflow(job("build")))
	assert.Equal(t, domain.NodeStatusFailure, run.Nodes["build"].Status)
	assert.Contains(t, run.Nodes["build"].Error, "exploded")
}

func TestScheduler_PublishesEvents(t *testing.T) {
	st := newTestStorage(t)
	logger := createTestLogger()
	bus := events.NewManager(logger)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	e, err := NewEngine(domain.DefaultEngineConfig(), Dependencies{
		Backend: backend.NewFunc(succeed, nil).Handle("test", fail),
		Outputs: store.NewOutputs(st, 0, logger),
		State:   NewStateManager(st, logger),
		Events:  bus,
	}, logger)
	require.NoError(t, err)

	run, g, err := e.NewRun(workflow(job("test"), job("deploy", "test")), RunOptions{ID: "run-1"})
	require.NoError(t, err)

	ch, unsubscribe, err := bus.SubscribeToChannel("run-1")
	require.NoError(t, err)
	defer unsubscribe()

	_, err = e.Schedule(run, g).Run(context.Background())
	require.NoError(t, err)

	var types []domain.EventType
	completed := map[string]domain.NodeStatus{}
	for len(types) < 5 {
		select {
		case event := <-ch:
			types = append(types, event.Type)
			if data, ok := event.Data.(*domain.NodeCompletedEvent); ok {
				completed[data.NodeID] = data.Status
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}

	assert.Equal(t, domain.EventRunStarted, types[0])
	assert.Equal(t, domain.EventRunCompleted, types[len(types)-1])
	assert.Equal(t, domain.NodeStatusFailure, completed["test"])
	assert.Equal(t, domain.NodeStatusSkipped, completed["deploy"])
}

func TestScheduler_RunTwice(t *testing.T) {
	h := newHarness(t, backend.NewFunc(succeed, nil))
	s := h.start(t, workflow(job("a")))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
}

type refusingBackend struct{}

func (refusingBackend) Dispatch(context.Context, ports.DispatchRequest, ports.CompletionSink) (ports.Handle, error) {
	return "", errors.New("runner pool exhausted")
}

func (refusingBackend) Cancel(context.Context, ports.Handle) error {
	return nil
}

func TestScheduler_BreakerRejectsAfterBackendFailures(t *testing.T) {
	h := newHarness(t, refusingBackend{}, func(cfg *domain.EngineConfig) {
		cfg.Breaker.FailureThreshold = 1
		cfg.Breaker.Cooldown = time.Minute
	})

	cleanup := job("cleanup", "build")
	cleanup.If = "always()"
	run := h.run(t, workflow(job("build"), cleanup))

	assert.Equal(t, domain.RunStatusFailure, run.Status)
	assert.Equal(t, "execution", run.Nodes["build"].ErrorKind)
	assert.Contains(t, run.Nodes["build"].Error, "runner pool exhausted")
	assert.Equal(t, "backend_unavailable", run.Nodes["cleanup"].ErrorKind)

	metrics, ok := h.engine.BackendHealth()
	require.True(t, ok)
	assert.Equal(t, ports.StateOpen, metrics.State)
	assert.Equal(t, int64(1), metrics.RequestsRejected)
}

func TestNewEngine_BreakerDisabled(t *testing.T) {
	h := newHarness(t, backend.NewFunc(succeed, nil), func(cfg *domain.EngineConfig) {
		cfg.Breaker.FailureThreshold = 0
	})

	_, ok := h.engine.BackendHealth()
	assert.False(t, ok)
	assert.Equal(t, domain.RunStatusSuccess, h.run(t, workflow(job("a"))).Status)
}

func TestScheduler_SkippedNeedsPolicy(t *testing.T) {
	gate := job("gate")
	gate.If = "false"
	report := job("report", "publish")
	report.If = "always()"
	def := workflow(gate, job("publish", "gate"), report)

	tests := []struct {
		name             string
		skippedSatisfies bool
		publish          domain.NodeStatus
	}{
		{"skipped need satisfies", true, domain.NodeStatusSuccess},
		{"skipped need blocks", false, domain.NodeStatusSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			h := newHarness(t, backend.NewFunc(rec.wrap(succeed), nil), func(cfg *domain.EngineConfig) {
				cfg.SkippedSatisfiesNeeds = tt.skippedSatisfies
			})

			run := h.run(t, def)
			assert.Equal(t, domain.RunStatusSuccess, run.Status)
			assert.Equal(t, domain.NodeStatusSkipped, run.Nodes["gate"].Status)
			assert.Equal(t, tt.publish, run.Nodes["publish"].Status)
			assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["report"].Status)

			_, dispatched := rec.request("report")
			assert.True(t, dispatched, "always() job runs regardless of the policy")
		})
	}
}

func TestScheduler_ConditionWithSeveralSegments(t *testing.T) {
	h := newHarness(t, backend.NewFunc(succeed, nil))

	deploy := job("deploy", "build")
	deploy.If = "${{ needs.build.result == 'success' }} && ${{ 1 == 1 }}"
	release := job("release", "build")
	release.If = "${{ needs.build.result == 'success' }} && ${{ 1 == 2 }}"

	run := h.run(t, workflow(job("build"), deploy, release))
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, domain.NodeStatusSuccess, run.Nodes["deploy"].Status)
	assert.Equal(t, domain.NodeStatusSkipped, run.Nodes["release"].Status)
	assert.Empty(t, run.Nodes["release"].Error)
}
