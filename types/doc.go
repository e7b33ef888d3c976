// Package types defines the shared data model of the orchestration core:
// agent descriptors, goals, task nodes, leases, bus messages, and the
// structured error taxonomy used across all components.
package types
