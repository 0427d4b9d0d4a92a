package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/backend"
	"github.com/loomrun/loom/internal/budget"
	"github.com/loomrun/loom/internal/config"
	"github.com/loomrun/loom/internal/memory"
	"github.com/loomrun/loom/internal/merger"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/planstore"
	"github.com/loomrun/loom/internal/sink"
)

type fixture struct {
	dispatcher *Dispatcher
	plans      *planstore.Store
	memory     *memory.Store
	sink       *sink.Memory
	metrics    *Metrics
}

func newFixture(t *testing.T, adapters []backend.Adapter) *fixture {
	t.Helper()

	agents := agent.NewRegistry()
	if err := agents.Register(models.Agent{
		ID: "worker", DisplayName: "Worker", Instruction: "Do the work.",
		MemoryCategories: []string{"work"}, RoutingSlug: "worker-v1",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	plans, err := planstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("planstore.New: %v", err)
	}
	mem, err := memory.New(t.TempDir(), memory.NewSession())
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	pool, err := backend.NewPool(adapters, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	memSink := sink.NewMemory()
	metrics := &Metrics{}
	d, err := New(Config{
		Pool:    pool,
		Agents:  agents,
		Memory:  mem,
		Plans:   plans,
		Merger:  merger.New(pool, mem, nil, "pool"),
		Sink:    memSink,
		Profile: budget.NewProfile("standard"),
		Retry:   config.RetryPolicy{Attempts: 1, Delay: 0},
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{dispatcher: d, plans: plans, memory: mem, sink: memSink, metrics: metrics}
}

func savePlan(t *testing.T, plans *planstore.Store, graph *models.TaskGraph) string {
	t.Helper()
	const planID = "test-plan"
	for i := range graph.Subtasks {
		if graph.Subtasks[i].Result.Status == "" {
			graph.Subtasks[i].Result.Status = models.StatusPending
		}
	}
	if err := plans.Save(planID, graph); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return planID
}

func subtask(id string, group int, deps ...string) models.Subtask {
	return models.Subtask{
		ID: id, Title: "Task " + id, Objective: "objective " + id,
		AgentID: "worker", Engine: models.EngineLLMOnly, Group: group, DependsOn: deps,
	}
}

// Linear plan, single backend, successful run.
func TestRun_SingleSubtaskSuccess(t *testing.T) {
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Text:        "The phrase 'hello world' is a traditional greeting.",
	}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("1", 1)},
		Merge:    models.MergeDescriptor{Strategy: "passthrough"},
		Metadata: models.Metadata{Goal: "Summarize the phrase 'hello world' in one sentence."},
	}
	planID := savePlan(t, f.plans, graph)

	final, err := f.dispatcher.Run(context.Background(), planID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(final, "greeting") {
		t.Errorf("merged output %q missing expected content", final)
	}

	loaded, err := f.plans.Load(planID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	slot := loaded.Subtasks[0].Result
	if slot.Status != models.StatusCompleted {
		t.Errorf("status = %q, want completed", slot.Status)
	}
	if slot.MemoryPath == "" {
		t.Error("completed subtask has no memory record path")
	}
	text, err := f.memory.ReadResult(slot.MemoryPath)
	if err != nil {
		t.Fatalf("result slot points at an unreadable record: %v", err)
	}
	if !strings.Contains(text, "greeting") {
		t.Errorf("memory record %q missing subtask output", text)
	}
}

// Two-wave plan, parallel group, backend fallback: A fails on its 2nd
// and 3rd invocations, B always succeeds.
func TestRun_TwoWavesWithFallback(t *testing.T) {
	a := &backend.StubAdapter{
		BackendName: "a",
		Respond: func(n int, req models.GenerateRequest) (string, error) {
			if n == 2 || n == 3 {
				return "", errors.New("transient failure")
			}
			return "output from a", nil
		},
	}
	b := &backend.StubAdapter{BackendName: "b", Text: "output from b"}
	f := newFixture(t, []backend.Adapter{a, b})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{
			subtask("s1", 1),
			subtask("s2", 2, "s1"),
			subtask("s3", 2, "s1"),
		},
		Merge:    models.MergeDescriptor{Strategy: "synthesize"},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	if _, err := f.dispatcher.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	loaded, _ := f.plans.Load(planID)
	for _, s := range loaded.Subtasks {
		if s.Result.Status != models.StatusCompleted {
			t.Errorf("subtask %s status = %q, want completed", s.ID, s.Result.Status)
		}
	}

	// s2 and s3 must have fallen through to backend b.
	if b.Calls() != 2 {
		t.Errorf("backend b served %d calls, want 2", b.Calls())
	}

	// Wave 2's terminal statuses must render in identifier order.
	order := f.sink.TerminalOrder()
	idx := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		return -1
	}
	if idx("s1") == -1 || idx("s2") == -1 || idx("s3") == -1 {
		t.Fatalf("missing terminal statuses: %v", order)
	}
	if !(idx("s1") < idx("s2") && idx("s2") < idx("s3")) {
		t.Errorf("terminal order %v, want s1 < s2 < s3", order)
	}
}

// Failing dependency aborts downstream: S1 fails, S2/S3 stay pending.
func TestRun_FailingDependencyAborts(t *testing.T) {
	failing := &backend.StubAdapter{
		BackendName: "a",
		Respond: func(n int, _ models.GenerateRequest) (string, error) {
			return "", errors.New("backend down")
		},
	}
	f := newFixture(t, []backend.Adapter{failing})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{
			subtask("s1", 1),
			subtask("s2", 2, "s1"),
			subtask("s3", 2, "s1"),
		},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	_, err := f.dispatcher.Run(context.Background(), planID)
	var aborted *models.DispatcherAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("want DispatcherAborted, got %v", err)
	}
	if aborted.SubtaskID != "s1" || aborted.Cause != models.KindTransport {
		t.Errorf("aborted = (%s, %s), want (s1, transport)", aborted.SubtaskID, aborted.Cause)
	}

	loaded, _ := f.plans.Load(planID)
	for _, s := range loaded.Subtasks {
		switch s.ID {
		case "s1":
			if s.Result.Status != models.StatusFailed {
				t.Errorf("s1 status = %q, want failed", s.Result.Status)
			}
		default:
			if s.Result.Status != models.StatusPending {
				t.Errorf("%s status = %q, want pending", s.ID, s.Result.Status)
			}
		}
	}
}

// Within a wave, subtasks run concurrently; waves run sequentially.
func TestRun_WaveConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	wave1Done := make(chan struct{})
	var once sync.Once

	stub := &backend.StubAdapter{
		BackendName: "stub",
		Respond: func(n int, req models.GenerateRequest) (string, error) {
			if strings.Contains(req.Prompt, "objective w2") {
				select {
				case <-wave1Done:
				case <-time.After(2 * time.Second):
					return "", errors.New("wave 2 ran before wave 1 finished")
				}
				return "done", nil
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			if inFlight == 0 {
				once.Do(func() { close(wave1Done) })
			}
			mu.Unlock()
			return "done", nil
		},
	}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{
			subtask("a1", 1), subtask("a2", 1), subtask("a3", 1),
			{ID: "w2", Title: "after", Objective: "objective w2", AgentID: "worker",
				Engine: models.EngineLLMOnly, Group: 2, DependsOn: []string{"a1", "a2", "a3"}},
		},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	if _, err := f.dispatcher.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak < 2 {
		t.Errorf("wave 1 peak concurrency = %d, want >= 2", peak)
	}
}

func TestRun_CancellationMarksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Respond: func(n int, _ models.GenerateRequest) (string, error) {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1), subtask("s2", 2, "s1")},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	_, err := f.dispatcher.Run(ctx, planID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	loaded, _ := f.plans.Load(planID)
	if loaded.Subtasks[0].Result.Status != models.StatusFailed ||
		loaded.Subtasks[0].Result.Cause != "cancelled" {
		t.Errorf("cancelled subtask slot = %+v", loaded.Subtasks[0].Result)
	}
	// No memory record for the partial output.
	if loaded.Subtasks[0].Result.MemoryPath != "" {
		t.Error("cancelled subtask has a memory record")
	}
	if loaded.Subtasks[1].Result.Status != models.StatusPending {
		t.Errorf("downstream subtask = %q, want pending", loaded.Subtasks[1].Result.Status)
	}
}

func TestRun_MissingAgentIsFatal(t *testing.T) {
	f := newFixture(t, []backend.Adapter{&backend.StubAdapter{BackendName: "stub", Text: "x"}})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{{
			ID: "s1", Title: "t", Objective: "o", AgentID: "ghost",
			Engine: models.EngineLLMOnly, Group: 1,
		}},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	_, err := f.dispatcher.Run(context.Background(), planID)
	var aborted *models.DispatcherAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("want DispatcherAborted, got %v", err)
	}
	if aborted.Cause != models.KindFatal {
		t.Errorf("cause = %q, want fatal", aborted.Cause)
	}
}

func TestRun_MergerFallbackSummary(t *testing.T) {
	calls := 0
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Respond: func(n int, req models.GenerateRequest) (string, error) {
			calls++
			// Subtask executions succeed; the merge call (which carries
			// the merge strategy in its prompt) fails.
			if strings.Contains(req.Prompt, "Merge strategy") {
				return "", errors.New("merger endpoint down")
			}
			return "subtask output", nil
		},
	}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1)},
		Merge:    models.MergeDescriptor{Strategy: "synthesize"},
		Metadata: models.Metadata{Goal: "the original goal"},
	}
	planID := savePlan(t, f.plans, graph)

	final, err := f.dispatcher.Run(context.Background(), planID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(final, "the original goal") {
		t.Errorf("fallback summary does not open with the goal:\n%s", final)
	}
	if !strings.Contains(final, "subtask output") {
		t.Errorf("fallback summary missing subtask excerpt:\n%s", final)
	}
}

func TestRun_MonotonicStatusTransitions(t *testing.T) {
	stub := &backend.StubAdapter{BackendName: "stub", Text: "done"}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1)},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	if _, err := f.dispatcher.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	statuses := f.sink.Statuses("s1")
	want := []models.SubtaskStatus{models.StatusRunning, models.StatusCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, statuses[i], want[i])
		}
	}
}

func TestRun_StreamedChunksReachSink(t *testing.T) {
	stub := &backend.StubAdapter{BackendName: "stub", Text: "streamed output text", ChunkSize: 5}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1)},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	if _, err := f.dispatcher.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.sink.Output("s1"); got != "streamed output text" {
		t.Errorf("sink received %q", got)
	}
}

func TestRun_ScratchpadElidedFromStream(t *testing.T) {
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Text:        "visible <think>hidden reasoning</think>conclusion",
		ChunkSize:   4,
	}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1)},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	if _, err := f.dispatcher.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	streamed := f.sink.Output("s1")
	if strings.Contains(streamed, "hidden reasoning") {
		t.Errorf("scratch-pad content reached the sink: %q", streamed)
	}
	if !strings.Contains(streamed, "visible") || !strings.Contains(streamed, "conclusion") {
		t.Errorf("visible content lost from stream: %q", streamed)
	}
}

func TestRun_RetryPolicyRecoversTransient(t *testing.T) {
	attempts := 0
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Respond: func(n int, _ models.GenerateRequest) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("flaky")
			}
			return "recovered", nil
		},
	}

	agents := agent.NewRegistry()
	agents.Register(models.Agent{ID: "worker", DisplayName: "W", RoutingSlug: "w"})
	plans, _ := planstore.New(t.TempDir())
	mem, _ := memory.New(t.TempDir(), memory.NewSession())
	t.Cleanup(func() { mem.Close() })
	pool, _ := backend.NewPool([]backend.Adapter{stub}, nil)

	d, err := New(Config{
		Pool: pool, Agents: agents, Memory: mem, Plans: plans,
		Profile: budget.NewProfile("standard"),
		Retry:   config.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1)},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, plans, graph)

	if _, err := d.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	loaded, _ := plans.Load(planID)
	if loaded.Subtasks[0].Result.Status != models.StatusCompleted {
		t.Errorf("status = %q after retry, want completed", loaded.Subtasks[0].Result.Status)
	}
	if attempts != 2 {
		t.Errorf("backend invoked %d times, want 2", attempts)
	}
}

// A subtask naming no agent runs under the active agent captured at
// dispatch time.
func TestRun_EmptyAgentUsesActiveSnapshot(t *testing.T) {
	stub := &backend.StubAdapter{BackendName: "stub", Text: "done"}

	agents := agent.NewRegistry()
	agents.Register(models.Agent{ID: "first", DisplayName: "First", RoutingSlug: "f"})
	agents.Register(models.Agent{ID: "second", DisplayName: "Second",
		MemoryCategories: []string{"second"}, RoutingSlug: "s"})
	active := agent.NewActive(agents, "first")
	if err := active.Switch("second"); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	plans, _ := planstore.New(t.TempDir())
	mem, _ := memory.New(t.TempDir(), memory.NewSession())
	t.Cleanup(func() { mem.Close() })
	pool, _ := backend.NewPool([]backend.Adapter{stub}, nil)

	d, err := New(Config{
		Pool: pool, Agents: agents, Active: active, Memory: mem, Plans: plans,
		Profile: budget.NewProfile("standard"),
		Retry:   config.RetryPolicy{Attempts: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{{
			ID: "s1", Title: "t", Objective: "o",
			Engine: models.EngineLLMOnly, Group: 1, // no AgentID
		}},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, plans, graph)

	if _, err := d.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The record landed in the active agent's category.
	loaded, _ := plans.Load(planID)
	if !strings.Contains(loaded.Subtasks[0].Result.MemoryPath, "second") {
		t.Errorf("memory path %q not under the active agent's category",
			loaded.Subtasks[0].Result.MemoryPath)
	}
}

func TestPartitionWaves(t *testing.T) {
	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{
			{ID: "c", Group: 2}, {ID: "a", Group: 1}, {ID: "b", Group: 1}, {ID: "d", Group: 5},
		},
	}
	waves := partitionWaves(graph)
	if len(waves) != 3 {
		t.Fatalf("got %d waves, want 3", len(waves))
	}
	if waves[0].group != 1 || waves[1].group != 2 || waves[2].group != 5 {
		t.Errorf("wave groups = %d,%d,%d", waves[0].group, waves[1].group, waves[2].group)
	}
	if waves[0].subtasks[0] != "a" || waves[0].subtasks[1] != "b" {
		t.Errorf("wave 1 order = %v, want [a b]", waves[0].subtasks)
	}
}

func TestMetricsCounters(t *testing.T) {
	stub := &backend.StubAdapter{BackendName: "stub", Text: "ok"}
	f := newFixture(t, []backend.Adapter{stub})

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{subtask("s1", 1), subtask("s2", 1)},
		Metadata: models.Metadata{Goal: "goal"},
	}
	planID := savePlan(t, f.plans, graph)

	if _, err := f.dispatcher.Run(context.Background(), planID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	started, completed, failed, _ := f.metrics.Snapshot()
	if started != 2 || completed != 2 || failed != 0 {
		t.Errorf("metrics = started %d completed %d failed %d", started, completed, failed)
	}
}

func TestCauseClassification(t *testing.T) {
	if k := causeKind("policy"); k != models.KindPolicy {
		t.Errorf("policy -> %q", k)
	}
	if k := causeKind("transport"); k != models.KindTransport {
		t.Errorf("transport -> %q", k)
	}
	if k := causeKind("cancelled"); k != models.KindTransport {
		t.Errorf("cancelled -> %q", k)
	}
	if got := classifyCause(fmt.Errorf("plain failure")); got != "transport" {
		t.Errorf("classifyCause = %q", got)
	}
}
