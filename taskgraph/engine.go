// Package taskgraph decomposes goals into dependency graphs of subtasks and
// advances node states as dependencies resolve. The decomposition itself is
// delegated to pluggable strategies; the engine validates acyclicity, tracks
// readiness, cascades cancellation from required-node failures, and fires a
// terminal hook exactly once per graph.
package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// ReadyFunc is notified whenever a node becomes Ready for dispatch.
type ReadyFunc func(goalID, nodeID string)

// TerminalFunc is invoked exactly once per graph when every node has reached
// a terminal state.
type TerminalFunc func(g *Graph)

// Engine owns the live graphs and the strategy registry.
type Engine struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	graphs     map[string]*Graph

	onReady    ReadyFunc
	onTerminal TerminalFunc
	logger     *zap.Logger
}

// NewEngine creates a graph engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		strategies: make(map[string]Strategy),
		graphs:     make(map[string]*Graph),
		logger:     logger.With(zap.String("component", "taskgraph")),
	}
}

// SetHooks installs the readiness and terminal callbacks. Must be called
// before the first Decompose.
func (e *Engine) SetHooks(onReady ReadyFunc, onTerminal TerminalFunc) {
	e.onReady = onReady
	e.onTerminal = onTerminal
}

// RegisterStrategy makes a decomposition strategy available by name.
func (e *Engine) RegisterStrategy(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[s.Name()] = s
}

// Decompose resolves the goal's strategy, validates the resulting node set
// for acyclicity, and installs the graph. Zero-indegree nodes become Ready
// immediately and are announced through the ready hook. Structural problems
// reject the goal before any execution begins.
func (e *Engine) Decompose(ctx context.Context, goal *types.Goal) (*Graph, error) {
	e.mu.RLock()
	strategy, ok := e.strategies[goal.Strategy]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrUnknownStrategy, "no such decomposition strategy").
			WithGoal(goal.ID)
	}

	specs, err := strategy.Decompose(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", goal.Strategy, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("strategy %s produced no subtasks", goal.Strategy)
	}

	g, err := buildGraph(goal.ID, specs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.graphs[goal.ID] = g
	e.mu.Unlock()

	e.logger.Info("goal decomposed",
		zap.String("goal_id", goal.ID),
		zap.String("strategy", goal.Strategy),
		zap.Int("nodes", g.Len()),
	)

	for _, id := range g.order {
		if n, ok := g.Snapshot(id); ok && n.State == types.TaskReady {
			e.notifyReady(goal.ID, id)
		}
	}
	return g, nil
}

// Graph returns the live graph for a goal.
func (e *Engine) Graph(goalID string) (*Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[goalID]
	return g, ok
}

// ApplyOutcome records a node's terminal outcome and advances the graph:
// dependents of a succeeded node may become Ready; a required node's failure
// cascades Cancelled to its transitive dependents; an optional node's
// failure resolves its dependents without cascading. Applying an outcome to
// an already-terminal node is an idempotent no-op returning false.
func (e *Engine) ApplyOutcome(goalID, nodeID string, outcome types.TaskState, result json.RawMessage, errMsg string) bool {
	g, ok := e.Graph(goalID)
	if !ok {
		return false
	}

	node, ok := g.Snapshot(nodeID)
	if !ok {
		return false
	}
	if !g.setTerminal(nodeID, outcome, result, errMsg) {
		return false
	}

	switch outcome {
	case types.TaskSucceeded:
		for _, ready := range g.resolveDependents(nodeID) {
			e.notifyReady(goalID, ready)
		}
	case types.TaskFailed:
		if node.Optional {
			// Non-critical failure: dependents proceed without the output.
			for _, ready := range g.resolveDependents(nodeID) {
				e.notifyReady(goalID, ready)
			}
		} else {
			cancelled := 0
			for _, depID := range g.transitiveDependents(nodeID) {
				if g.setTerminal(depID, types.TaskCancelled, nil, "cancelled: required predecessor "+nodeID+" failed") {
					cancelled++
				}
			}
			if cancelled > 0 {
				e.logger.Info("required node failed, dependents cancelled",
					zap.String("goal_id", goalID),
					zap.String("node_id", nodeID),
					zap.Int("cancelled", cancelled),
				)
			}
		}
	}

	e.checkTerminal(g)
	return true
}

// CancelAll marks every non-terminal node Cancelled and returns snapshots of
// the nodes as they were immediately before cancellation, so the caller can
// notify lease holders and release their claims. Fires the terminal hook.
func (e *Engine) CancelAll(goalID string) []types.TaskNode {
	g, ok := e.Graph(goalID)
	if !ok {
		return nil
	}

	affected := g.NonTerminal()
	for _, n := range affected {
		g.setTerminal(n.ID, types.TaskCancelled, nil, "goal cancelled")
	}
	if len(affected) > 0 {
		e.logger.Info("goal cancelled",
			zap.String("goal_id", goalID),
			zap.Int("cancelled", len(affected)),
		)
	}
	e.checkTerminal(g)
	return affected
}

// Drop discards a graph after its goal has been archived.
func (e *Engine) Drop(goalID string) {
	e.mu.Lock()
	delete(e.graphs, goalID)
	e.mu.Unlock()
}

// Live returns the number of graphs not yet dropped.
func (e *Engine) Live() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.graphs)
}

func (e *Engine) notifyReady(goalID, nodeID string) {
	if e.onReady != nil {
		e.onReady(goalID, nodeID)
	}
}

func (e *Engine) checkTerminal(g *Graph) {
	if !g.Terminal() {
		return
	}
	g.terminalOnce.Do(func() {
		e.logger.Info("graph terminal", zap.String("goal_id", g.goalID))
		if e.onTerminal != nil {
			e.onTerminal(g)
		}
	})
}

// buildGraph validates the node specs and constructs the graph. Cycles fail
// with CyclicDependency; duplicate ids and dangling dependencies are also
// rejected here, before any execution begins.
func buildGraph(goalID string, specs []NodeSpec) (*Graph, error) {
	g := &Graph{
		goalID:     goalID,
		nodes:      make(map[string]*nodeState, len(specs)),
		dependents: make(map[string][]string),
		createdAt:  time.Now(),
	}

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("goal %s: node with empty id", goalID)
		}
		if _, exists := g.nodes[spec.ID]; exists {
			return nil, fmt.Errorf("goal %s: duplicate node id %q", goalID, spec.ID)
		}
		g.nodes[spec.ID] = &nodeState{
			unmet:    len(spec.DependsOn),
			priority: spec.Priority,
			node: types.TaskNode{
				ID:          spec.ID,
				GoalID:      goalID,
				Requirement: spec.Requirement,
				DependsOn:   append([]string(nil), spec.DependsOn...),
				State:       types.TaskPending,
				Payload:     spec.Payload,
				Optional:    spec.Optional,
			},
		}
	}

	var edges []toposort.Edge
	for _, spec := range specs {
		if len(spec.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, spec.ID})
			continue
		}
		for _, depID := range spec.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("goal %s: node %q depends on unknown node %q", goalID, spec.ID, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], spec.ID)
			edges = append(edges, toposort.Edge{depID, spec.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, types.NewError(types.ErrCyclicDependency, "task graph contains a cycle").
			WithGoal(goalID).WithCause(err)
	}

	g.order = make([]string, 0, len(g.nodes))
	for _, id := range sorted {
		if id != nil {
			g.order = append(g.order, id.(string))
		}
	}
	g.remaining = len(g.nodes)

	// Roots start Ready.
	for _, ns := range g.nodes {
		if ns.unmet == 0 {
			ns.node.State = types.TaskReady
		}
	}
	return g, nil
}
