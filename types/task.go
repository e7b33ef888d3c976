package types

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a task node.
type TaskState string

const (
	// TaskPending means at least one predecessor has not succeeded yet.
	TaskPending TaskState = "pending"
	// TaskReady means every predecessor succeeded and the node awaits dispatch.
	TaskReady TaskState = "ready"
	// TaskDispatched means a Delegate was published but not yet accepted.
	TaskDispatched TaskState = "dispatched"
	// TaskRunning means the assigned agent accepted the delegation.
	TaskRunning TaskState = "running"
	// TaskSucceeded is terminal success.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed is terminal failure.
	TaskFailed TaskState = "failed"
	// TaskCancelled is terminal cancellation.
	TaskCancelled TaskState = "cancelled"
)

// IsTerminal reports whether the state is terminal.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskNode is one unit of decomposed work within a goal's graph.
type TaskNode struct {
	// ID is unique within the owning graph.
	ID string `json:"id"`

	// GoalID is the owning goal.
	GoalID string `json:"goal_id"`

	// Requirement is the capability predicate for candidate agents.
	Requirement CapabilityRequirement `json:"requirement"`

	// DependsOn lists predecessor node ids.
	DependsOn []string `json:"depends_on,omitempty"`

	// State is the current lifecycle state.
	State TaskState `json:"state"`

	// Retries is the number of completed attempts that did not succeed.
	Retries int `json:"retries"`

	// AgentID is the currently assigned agent, empty when unassigned.
	AgentID string `json:"agent_id,omitempty"`

	// Payload is the opaque task input.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Result is the task output once terminal, nil otherwise.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the failure detail when State is failed.
	Error string `json:"error,omitempty"`

	// Optional marks the node as non-critical: its failure does not cascade
	// to dependents and does not fail the goal.
	Optional bool `json:"optional,omitempty"`

	// Progress and ProgressNote hold observability metadata reported by the
	// executing agent. They never influence the state machine.
	Progress     float64 `json:"progress,omitempty"`
	ProgressNote string  `json:"progress_note,omitempty"`
}

// GoalState is derived from the terminal states of a goal's task graph.
type GoalState string

const (
	GoalRunning   GoalState = "running"
	GoalSucceeded GoalState = "succeeded"
	GoalFailed    GoalState = "failed"
	GoalCancelled GoalState = "cancelled"
)

// IsTerminal reports whether the goal state is terminal.
func (s GoalState) IsTerminal() bool {
	return s == GoalSucceeded || s == GoalFailed || s == GoalCancelled
}

// Goal is the top-level unit of work submitted by a client.
type Goal struct {
	// ID is the unique goal identifier.
	ID string `json:"id"`

	// Strategy names the decomposition strategy to apply.
	Strategy string `json:"strategy"`

	// Payload is the opaque goal input handed to the strategy.
	Payload json.RawMessage `json:"payload,omitempty"`

	// SubmittedAt is when the goal was accepted.
	SubmittedAt time.Time `json:"submitted_at"`
}

// NodeOutput is one node's contribution to the aggregated goal result.
type NodeOutput struct {
	NodeID string          `json:"node_id"`
	State  TaskState       `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// GoalResult is the aggregated outcome of a goal. Outputs are ordered
// topologically by the dependency graph. On failure, Outputs still carries
// whatever partial results exist.
type GoalResult struct {
	GoalID      string       `json:"goal_id"`
	State       GoalState    `json:"state"`
	Outputs     []NodeOutput `json:"outputs"`
	Diagnostics []string     `json:"diagnostics,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Lease is an exclusive, time-bounded claim binding one task to one agent.
type Lease struct {
	// TaskID is the claimed task.
	TaskID string `json:"task_id"`

	// GoalID is the goal owning the task.
	GoalID string `json:"goal_id"`

	// AgentID is the agent holding the claim.
	AgentID string `json:"agent_id"`

	// CorrelationID links the lease to its Delegate message.
	CorrelationID string `json:"correlation_id"`

	// Attempt is the attempt number the lease covers.
	Attempt int `json:"attempt"`

	// ExpiresAt is when the claim lapses if unresolved.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Matches reports whether a response bearing the given correlation id and
// attempt answers this lease. Anything else is a stale duplicate.
func (l *Lease) Matches(correlationID string, attempt int) bool {
	return l.CorrelationID == correlationID && l.Attempt == attempt
}
