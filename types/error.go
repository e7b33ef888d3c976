package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Registry error codes
const (
	ErrDuplicateID       ErrorCode = "DUPLICATE_ID"
	ErrActiveLeaseExists ErrorCode = "ACTIVE_LEASE_EXISTS"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentUnavailable  ErrorCode = "AGENT_UNAVAILABLE"
)

// Routing and scheduling error codes
const (
	ErrNoEligibleAgent    ErrorCode = "NO_ELIGIBLE_AGENT"
	ErrQueueFull          ErrorCode = "QUEUE_FULL"
	ErrLeaseExpired       ErrorCode = "LEASE_EXPIRED"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
	ErrStaleResult        ErrorCode = "STALE_RESULT"
)

// Graph error codes
const (
	ErrCyclicDependency ErrorCode = "CYCLIC_DEPENDENCY"
	ErrGoalNotFound     ErrorCode = "GOAL_NOT_FOUND"
	ErrUnknownStrategy  ErrorCode = "UNKNOWN_STRATEGY"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	GoalID    string    `json:"goal_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithGoal sets the goal id the error is scoped to.
func (e *Error) WithGoal(goalID string) *Error {
	e.GoalID = goalID
	return e
}

// WithTask sets the task id the error is scoped to.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithAgent sets the agent id the error refers to.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
