package types

import "time"

// AgentStatus represents the liveness state of a registered agent.
type AgentStatus string

const (
	// AgentIdle indicates the agent holds no active leases.
	AgentIdle AgentStatus = "idle"
	// AgentBusy indicates the agent holds between 1 and Capacity leases.
	AgentBusy AgentStatus = "busy"
	// AgentDegraded indicates the agent missed a heartbeat interval or
	// exceeded the stall-rate threshold. Degraded agents are excluded from
	// routing but keep their existing leases.
	AgentDegraded AgentStatus = "degraded"
	// AgentOffline indicates the agent missed two heartbeat intervals.
	AgentOffline AgentStatus = "offline"
)

// Available reports whether an agent in this status may receive new work.
func (s AgentStatus) Available() bool {
	return s == AgentIdle || s == AgentBusy
}

// AgentDescriptor describes a registered agent: its identity, advertised
// capability tags, and how many concurrent leases it can hold.
type AgentDescriptor struct {
	// ID is the unique agent identifier.
	ID string `json:"id" yaml:"id"`

	// Tags is the set of capability tags the agent advertises.
	Tags []string `json:"tags" yaml:"tags"`

	// Capacity is the maximum number of concurrent leases.
	Capacity int `json:"capacity" yaml:"capacity"`

	// Status is the current liveness state.
	Status AgentStatus `json:"status"`

	// ActiveLeases is the number of leases currently held.
	ActiveLeases int `json:"active_leases"`

	// StallCount is the number of leases that expired while held.
	StallCount int `json:"stall_count"`

	// RegisteredAt is when the agent registered.
	RegisteredAt time.Time `json:"registered_at"`

	// LastHeartbeat is the last time the agent was heard from.
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// FreeCapacity returns the number of additional leases the agent can accept.
func (d *AgentDescriptor) FreeCapacity() int {
	free := d.Capacity - d.ActiveLeases
	if free < 0 {
		return 0
	}
	return free
}

// HasTags reports whether the agent advertises every tag in required.
func (d *AgentDescriptor) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, tag := range d.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CapabilityRequirement is the predicate a task places on candidate agents.
// Required tags are mandatory; preferred tags only boost ranking.
type CapabilityRequirement struct {
	// RequiredTags must all be advertised by an eligible agent.
	RequiredTags []string `json:"required_tags" yaml:"required_tags"`

	// PreferredTags boost candidates that advertise them but never exclude
	// candidates that do not.
	PreferredTags []string `json:"preferred_tags,omitempty" yaml:"preferred_tags,omitempty"`
}
