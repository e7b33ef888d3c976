package taskgraph

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// Graph holds one goal's task nodes and dependency edges. Node mutation goes
// through per-node locks so a concurrently arriving Result, lease expiry, and
// Cancel cannot race into an inconsistent state; graph-level counters are
// guarded separately. Graphs for different goals share nothing.
type Graph struct {
	goalID string
	order  []string // topological order fixed at validation

	mu         sync.RWMutex
	nodes      map[string]*nodeState
	dependents map[string][]string
	remaining  int // nodes not yet terminal

	terminalOnce sync.Once
	createdAt    time.Time
}

type nodeState struct {
	mu sync.Mutex
	// unmet counts predecessors not yet resolved toward readiness.
	unmet    int
	priority types.Priority
	node     types.TaskNode
}

// GoalID returns the owning goal id.
func (g *Graph) GoalID() string { return g.goalID }

// Order returns node ids in topological (dependency) order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Terminal reports whether every node is in a terminal state.
func (g *Graph) Terminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.remaining == 0
}

// Snapshot returns a copy of the node.
func (g *Graph) Snapshot(nodeID string) (types.TaskNode, bool) {
	ns, ok := g.lookup(nodeID)
	if !ok {
		return types.TaskNode{}, false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.node, true
}

// Nodes returns copies of all nodes, in topological order.
func (g *Graph) Nodes() []types.TaskNode {
	out := make([]types.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		if n, ok := g.Snapshot(id); ok {
			out = append(out, n)
		}
	}
	return out
}

// NonTerminal returns copies of every node not yet in a terminal state.
func (g *Graph) NonTerminal() []types.TaskNode {
	out := make([]types.TaskNode, 0)
	for _, id := range g.order {
		n, ok := g.Snapshot(id)
		if ok && !n.State.IsTerminal() {
			out = append(out, n)
		}
	}
	return out
}

// Priority returns the delivery priority assigned to the node's delegations.
func (g *Graph) Priority(nodeID string) types.Priority {
	ns, ok := g.lookup(nodeID)
	if !ok {
		return types.PriorityNormal
	}
	return ns.priority
}

// MarkDispatched moves a Ready node to Dispatched and records the assignee.
func (g *Graph) MarkDispatched(nodeID, agentID string) bool {
	return g.transition(nodeID, types.TaskReady, types.TaskDispatched, func(n *types.TaskNode) {
		n.AgentID = agentID
	})
}

// MarkRunning moves a Dispatched node to Running after the agent accepts.
func (g *Graph) MarkRunning(nodeID string) bool {
	return g.transition(nodeID, types.TaskDispatched, types.TaskRunning, nil)
}

// Requeue returns a Dispatched or Running node to Ready for another attempt
// and reports the node's retry count after the increment.
func (g *Graph) Requeue(nodeID string, incrementRetry bool) (int, bool) {
	ns, ok := g.lookup(nodeID)
	if !ok {
		return 0, false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.node.State != types.TaskDispatched && ns.node.State != types.TaskRunning {
		return ns.node.Retries, false
	}
	ns.node.State = types.TaskReady
	ns.node.AgentID = ""
	if incrementRetry {
		ns.node.Retries++
	}
	return ns.node.Retries, true
}

// SetProgress updates observability metadata without touching the state
// machine.
func (g *Graph) SetProgress(nodeID string, percent float64, note string) {
	ns, ok := g.lookup(nodeID)
	if !ok {
		return
	}
	ns.mu.Lock()
	ns.node.Progress = percent
	ns.node.ProgressNote = note
	ns.mu.Unlock()
}

// setTerminal moves a node into a terminal state. It returns false when the
// node is already terminal, making terminal application idempotent.
func (g *Graph) setTerminal(nodeID string, state types.TaskState, result json.RawMessage, errMsg string) bool {
	ns, ok := g.lookup(nodeID)
	if !ok {
		return false
	}
	ns.mu.Lock()
	if ns.node.State.IsTerminal() {
		ns.mu.Unlock()
		return false
	}
	ns.node.State = state
	ns.node.Result = result
	ns.node.Error = errMsg
	ns.mu.Unlock()

	g.mu.Lock()
	g.remaining--
	g.mu.Unlock()
	return true
}

// resolveDependents decrements the unmet count of the node's dependents and
// returns the ids of nodes that became Ready.
func (g *Graph) resolveDependents(nodeID string) []string {
	g.mu.RLock()
	deps := append([]string(nil), g.dependents[nodeID]...)
	g.mu.RUnlock()

	ready := make([]string, 0, len(deps))
	for _, depID := range deps {
		ns, ok := g.lookup(depID)
		if !ok {
			continue
		}
		ns.mu.Lock()
		ns.unmet--
		if ns.unmet == 0 && ns.node.State == types.TaskPending {
			ns.node.State = types.TaskReady
			ready = append(ready, depID)
		}
		ns.mu.Unlock()
	}
	return ready
}

// transitiveDependents returns every node downstream of the given one.
func (g *Graph) transitiveDependents(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{}
	stack := append([]string(nil), g.dependents[nodeID]...)
	var out []string
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		stack = append(stack, g.dependents[id]...)
	}
	return out
}

func (g *Graph) transition(nodeID string, from, to types.TaskState, mutate func(*types.TaskNode)) bool {
	ns, ok := g.lookup(nodeID)
	if !ok {
		return false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.node.State != from {
		return false
	}
	ns.node.State = to
	if mutate != nil {
		mutate(&ns.node)
	}
	return true
}

func (g *Graph) lookup(nodeID string) (*nodeState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ns, ok := g.nodes[nodeID]
	return ns, ok
}
