package taskgraph

import (
	"context"
	"encoding/json"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// NodeSpec is one subtask produced by a decomposition strategy.
type NodeSpec struct {
	// ID must be unique within the goal's graph.
	ID string `json:"id"`

	// Requirement is the capability predicate for candidate agents.
	Requirement types.CapabilityRequirement `json:"requirement"`

	// DependsOn lists predecessor node ids.
	DependsOn []string `json:"depends_on,omitempty"`

	// Payload is the opaque subtask input.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Optional marks the node as non-critical for goal success.
	Optional bool `json:"optional,omitempty"`

	// Priority is the delivery priority of the node's Delegate messages.
	Priority types.Priority `json:"priority,omitempty"`
}

// Strategy turns a goal into subtasks and dependency edges. The splitting
// logic is supplied externally; the engine only validates and executes the
// resulting graph.
type Strategy interface {
	// Name identifies the strategy for Goal.Strategy references.
	Name() string

	// Decompose returns the subtasks for the goal.
	Decompose(ctx context.Context, goal *types.Goal) ([]NodeSpec, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, goal *types.Goal) ([]NodeSpec, error)
}

// Name implements Strategy.
func (s StrategyFunc) Name() string { return s.StrategyName }

// Decompose implements Strategy.
func (s StrategyFunc) Decompose(ctx context.Context, goal *types.Goal) ([]NodeSpec, error) {
	return s.Fn(ctx, goal)
}
