package types

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of bus message.
type MessageType string

const (
	// MessageDelegate asks an agent to execute a task.
	MessageDelegate MessageType = "delegate"
	// MessageAccept acknowledges a delegation.
	MessageAccept MessageType = "accept"
	// MessageReject declines a delegation.
	MessageReject MessageType = "reject"
	// MessageProgress reports intermediate progress on a running task.
	MessageProgress MessageType = "progress"
	// MessageResult carries the terminal output of a task.
	MessageResult MessageType = "result"
	// MessageHeartbeat is a periodic liveness signal.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageCancel asks an agent to abandon a task, best effort.
	MessageCancel MessageType = "cancel"
)

// Broadcast reports whether messages of this type fan out to every
// subscriber instead of a single recipient queue.
func (t MessageType) Broadcast() bool {
	return t == MessageHeartbeat
}

// Priority orders messages within a recipient queue. Higher drains first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Message is the unit of delivery on the bus.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// Type is the message type.
	Type MessageType `json:"type"`

	// Sender is the originating component or agent id.
	Sender string `json:"sender"`

	// Recipient is the target agent id. Empty for broadcast types.
	Recipient string `json:"recipient,omitempty"`

	// CorrelationID links a Delegate to its Accept/Reject/Result.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Attempt is the delivery attempt of the task this message concerns.
	Attempt int `json:"attempt,omitempty"`

	// TaskID is the task the message concerns, when applicable.
	TaskID string `json:"task_id,omitempty"`

	// Payload is the opaque message body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority is the delivery priority tier.
	Priority Priority `json:"priority"`

	// Deadline is the delegation deadline, set on Delegate messages.
	Deadline time.Time `json:"deadline,omitempty"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
}

// DelegatePayload is the body of a Delegate message, per the agent contract.
type DelegatePayload struct {
	TaskID      string                `json:"task_id"`
	Attempt     int                   `json:"attempt"`
	Requirement CapabilityRequirement `json:"capability_requirement"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	Deadline    time.Time             `json:"deadline"`
}

// Result outcomes reported by agents.
const (
	ResultOutcomeSucceeded = "succeeded"
	ResultOutcomeFailed    = "failed"
)

// ResultPayload is the body of a Result or Reject message from an agent.
type ResultPayload struct {
	Outcome   string          `json:"outcome"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorInfo string          `json:"error_info,omitempty"`
}

// ProgressPayload is the body of a Progress message.
type ProgressPayload struct {
	Percent float64 `json:"percent"`
	Note    string  `json:"note,omitempty"`
}
