// Package aggregator folds a goal's task graph into a single GoalResult.
// Outputs are ordered topologically, so a consumer reading them front to back
// sees every dependency before its dependents. Failed goals still carry
// whatever partial outputs exist, plus diagnostics naming what went wrong.
package aggregator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/taskgraph"
	"github.com/whitecloud343/multi-ai-agents/types"
)

// Aggregator merges task outputs into goal results.
type Aggregator struct {
	logger *zap.Logger
}

// New creates an aggregator.
func New(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger.With(zap.String("component", "aggregator"))}
}

// Aggregate builds the goal result from the graph's current state. On a
// non-terminal graph the result carries GoalRunning and the outputs so far.
//
// Goal state derivation: any required node Failed means the goal failed,
// regardless of cascaded cancellations; Cancelled nodes without a required
// failure mean the goal itself was cancelled; otherwise the goal succeeded.
// Optional-node failures downgrade nothing and are reported as diagnostics.
func (a *Aggregator) Aggregate(g *taskgraph.Graph) *types.GoalResult {
	nodes := g.Nodes()
	outputs := make([]types.NodeOutput, 0, len(nodes))
	var diagnostics []string
	failed := false
	cancelled := false

	for _, n := range nodes {
		outputs = append(outputs, types.NodeOutput{
			NodeID: n.ID,
			State:  n.State,
			Result: n.Result,
			Error:  n.Error,
		})
		switch n.State {
		case types.TaskFailed:
			if n.Optional {
				diagnostics = append(diagnostics,
					fmt.Sprintf("optional task %s failed: %s", n.ID, n.Error))
			} else {
				failed = true
				diagnostics = append(diagnostics,
					fmt.Sprintf("task %s failed: %s", n.ID, n.Error))
			}
		case types.TaskCancelled:
			cancelled = true
		}
	}

	state := types.GoalRunning
	if g.Terminal() {
		switch {
		case failed:
			state = types.GoalFailed
		case cancelled:
			state = types.GoalCancelled
			diagnostics = append(diagnostics, "goal cancelled before completion")
		default:
			state = types.GoalSucceeded
		}
	}

	result := &types.GoalResult{
		GoalID:      g.GoalID(),
		State:       state,
		Outputs:     outputs,
		Diagnostics: diagnostics,
	}
	if state.IsTerminal() {
		result.CompletedAt = time.Now()
		a.logger.Info("goal aggregated",
			zap.String("goal_id", g.GoalID()),
			zap.String("state", string(state)),
			zap.Int("outputs", len(outputs)),
			zap.Int("diagnostics", len(diagnostics)),
		)
	}
	return result
}
