package taskgraph

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// staticStrategy returns a fixed node set regardless of the goal payload.
type staticStrategy struct {
	name  string
	specs []NodeSpec
}

func (s staticStrategy) Name() string { return s.name }
func (s staticStrategy) Decompose(ctx context.Context, goal *types.Goal) ([]NodeSpec, error) {
	return s.specs, nil
}

type readyRecorder struct {
	mu    sync.Mutex
	nodes []string
}

func (r *readyRecorder) record(goalID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, nodeID)
}

func (r *readyRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.nodes...)
}

func (r *readyRecorder) contains(id string) bool {
	for _, n := range r.ids() {
		if n == id {
			return true
		}
	}
	return false
}

func diamondSpecs() []NodeSpec {
	return []NodeSpec{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"B", "C"}},
	}
}

func newTestEngine(t *testing.T, specs []NodeSpec) (*Engine, *readyRecorder, chan *Graph) {
	t.Helper()
	e := NewEngine(zaptest.NewLogger(t))
	ready := &readyRecorder{}
	terminal := make(chan *Graph, 4)
	e.SetHooks(ready.record, func(g *Graph) { terminal <- g })
	e.RegisterStrategy(staticStrategy{name: "static", specs: specs})
	return e, ready, terminal
}

func decompose(t *testing.T, e *Engine, goalID string) *Graph {
	t.Helper()
	g, err := e.Decompose(context.Background(), &types.Goal{ID: goalID, Strategy: "static"})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	return g
}

func TestDecompose_UnknownStrategy(t *testing.T) {
	e, _, _ := newTestEngine(t, diamondSpecs())
	_, err := e.Decompose(context.Background(), &types.Goal{ID: "g1", Strategy: "nope"})
	if !types.IsCode(err, types.ErrUnknownStrategy) {
		t.Fatalf("expected UNKNOWN_STRATEGY, got %v", err)
	}
}

func TestDecompose_CyclicDependency(t *testing.T) {
	e, _, _ := newTestEngine(t, []NodeSpec{
		{ID: "A", DependsOn: []string{"C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	})
	_, err := e.Decompose(context.Background(), &types.Goal{ID: "g1", Strategy: "static"})
	if !types.IsCode(err, types.ErrCyclicDependency) {
		t.Fatalf("expected CYCLIC_DEPENDENCY, got %v", err)
	}
	if _, ok := e.Graph("g1"); ok {
		t.Fatalf("rejected goal must not leave a graph behind")
	}
}

func TestDecompose_RootsBecomeReady(t *testing.T) {
	e, ready, _ := newTestEngine(t, diamondSpecs())
	g := decompose(t, e, "g1")

	if got := ready.ids(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("only the root should be ready, got %v", got)
	}
	for _, id := range []string{"B", "C", "D"} {
		if n, _ := g.Snapshot(id); n.State != types.TaskPending {
			t.Fatalf("node %s should be pending, got %s", id, n.State)
		}
	}
}

func TestDiamond_ReadinessAndTopologicalOrder(t *testing.T) {
	e, ready, terminal := newTestEngine(t, diamondSpecs())
	g := decompose(t, e, "g1")

	out := func(id string) json.RawMessage { return json.RawMessage(`"` + id + `"`) }

	e.ApplyOutcome("g1", "A", types.TaskSucceeded, out("A"), "")
	if !ready.contains("B") || !ready.contains("C") {
		t.Fatalf("B and C should be ready after A, got %v", ready.ids())
	}
	if ready.contains("D") {
		t.Fatalf("D must not be ready before B and C complete")
	}

	e.ApplyOutcome("g1", "B", types.TaskSucceeded, out("B"), "")
	if ready.contains("D") {
		t.Fatalf("D must wait for C as well")
	}
	e.ApplyOutcome("g1", "C", types.TaskSucceeded, out("C"), "")
	if !ready.contains("D") {
		t.Fatalf("D should be ready once both B and C succeeded")
	}

	select {
	case <-terminal:
		t.Fatalf("graph must not be terminal with D outstanding")
	default:
	}

	e.ApplyOutcome("g1", "D", types.TaskSucceeded, out("D"), "")
	select {
	case got := <-terminal:
		if got.GoalID() != "g1" {
			t.Fatalf("wrong goal: %s", got.GoalID())
		}
	default:
		t.Fatalf("terminal hook should have fired")
	}

	order := g.Order()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["A"] > pos["B"] || pos["A"] > pos["C"] || pos["B"] > pos["D"] || pos["C"] > pos["D"] {
		t.Fatalf("order not topological: %v", order)
	}
}

func TestRequiredFailure_CascadesCancellation(t *testing.T) {
	e, _, terminal := newTestEngine(t, diamondSpecs())
	g := decompose(t, e, "g1")

	e.ApplyOutcome("g1", "A", types.TaskSucceeded, nil, "")
	e.ApplyOutcome("g1", "B", types.TaskFailed, nil, "boom")

	if n, _ := g.Snapshot("D"); n.State != types.TaskCancelled {
		t.Fatalf("D should be cancelled after required B failed, got %s", n.State)
	}
	if n, _ := g.Snapshot("C"); n.State != types.TaskReady {
		t.Fatalf("C is not downstream of B and must be untouched, got %s", n.State)
	}

	e.ApplyOutcome("g1", "C", types.TaskSucceeded, nil, "")
	select {
	case <-terminal:
	default:
		t.Fatalf("graph should be terminal after C completes")
	}
}

func TestOptionalFailure_DoesNotCascade(t *testing.T) {
	specs := []NodeSpec{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}, Optional: true},
		{ID: "C", DependsOn: []string{"B"}},
	}
	e, ready, _ := newTestEngine(t, specs)
	g := decompose(t, e, "g1")

	e.ApplyOutcome("g1", "A", types.TaskSucceeded, nil, "")
	e.ApplyOutcome("g1", "B", types.TaskFailed, nil, "optional hiccup")

	if n, _ := g.Snapshot("C"); n.State != types.TaskReady {
		t.Fatalf("optional failure must not cascade; C got %s", n.State)
	}
	if !ready.contains("C") {
		t.Fatalf("C should have been announced ready")
	}
}

func TestApplyOutcome_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, diamondSpecs())
	g := decompose(t, e, "g1")

	if !e.ApplyOutcome("g1", "A", types.TaskSucceeded, json.RawMessage(`1`), "") {
		t.Fatalf("first outcome should apply")
	}
	if e.ApplyOutcome("g1", "A", types.TaskFailed, json.RawMessage(`2`), "late") {
		t.Fatalf("second outcome on terminal node must be discarded")
	}
	n, _ := g.Snapshot("A")
	if n.State != types.TaskSucceeded || string(n.Result) != "1" {
		t.Fatalf("terminal state mutated by duplicate: %s %s", n.State, n.Result)
	}
}

func TestCancelAll_TerminalHookFiresOnce(t *testing.T) {
	e, _, terminal := newTestEngine(t, diamondSpecs())
	g := decompose(t, e, "g1")

	e.ApplyOutcome("g1", "A", types.TaskSucceeded, nil, "")
	affected := e.CancelAll("g1")
	if len(affected) != 3 {
		t.Fatalf("expected 3 non-terminal nodes cancelled, got %d", len(affected))
	}
	for _, n := range g.Nodes() {
		if n.ID == "A" {
			continue
		}
		if n.State != types.TaskCancelled {
			t.Fatalf("node %s should be cancelled, got %s", n.ID, n.State)
		}
	}

	if got := e.CancelAll("g1"); len(got) != 0 {
		t.Fatalf("second cancel must affect nothing, got %d", len(got))
	}

	count := 0
	for {
		select {
		case <-terminal:
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Fatalf("terminal hook must fire exactly once, fired %d times", count)
	}

	e.Drop("g1")
	if e.Live() != 0 {
		t.Fatalf("graph should be dropped")
	}
}

func TestGraph_RequeueAndProgress(t *testing.T) {
	e, _, _ := newTestEngine(t, []NodeSpec{{ID: "A"}})
	g := decompose(t, e, "g1")

	if !g.MarkDispatched("A", "agent-1") {
		t.Fatalf("ready node should dispatch")
	}
	if g.MarkDispatched("A", "agent-2") {
		t.Fatalf("dispatched node must not dispatch twice")
	}
	if !g.MarkRunning("A") {
		t.Fatalf("dispatched node should start running")
	}

	g.SetProgress("A", 42.0, "halfway-ish")
	n, _ := g.Snapshot("A")
	if n.State != types.TaskRunning || n.Progress != 42.0 || n.ProgressNote != "halfway-ish" {
		t.Fatalf("progress metadata lost: %+v", n)
	}

	retries, ok := g.Requeue("A", true)
	if !ok || retries != 1 {
		t.Fatalf("requeue should increment retries, got %d ok=%v", retries, ok)
	}
	n, _ = g.Snapshot("A")
	if n.State != types.TaskReady || n.AgentID != "" {
		t.Fatalf("requeued node should be ready and unassigned: %+v", n)
	}
}
