package scheduler

import (
	"sync"
	"time"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// LeaseTable holds the active leases, keyed by task. A task has at most one
// active lease at any time; responses are matched against the lease's
// correlation id and attempt so late duplicates from superseded attempts
// cannot resolve the current one.
type LeaseTable struct {
	mu      sync.RWMutex
	byTask  map[string]*types.Lease
	byAgent map[string]map[string]struct{}
}

// NewLeaseTable creates an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{
		byTask:  make(map[string]*types.Lease),
		byAgent: make(map[string]map[string]struct{}),
	}
}

// Create installs a lease. Fails with ActiveLeaseExists when the task already
// has one.
func (t *LeaseTable) Create(lease *types.Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byTask[lease.TaskID]; exists {
		return types.NewError(types.ErrActiveLeaseExists, "task already leased").
			WithTask(lease.TaskID).WithGoal(lease.GoalID)
	}
	cp := *lease
	t.byTask[lease.TaskID] = &cp
	tasks, ok := t.byAgent[lease.AgentID]
	if !ok {
		tasks = make(map[string]struct{})
		t.byAgent[lease.AgentID] = tasks
	}
	tasks[lease.TaskID] = struct{}{}
	return nil
}

// Get returns a copy of the task's active lease.
func (t *LeaseTable) Get(taskID string) (*types.Lease, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lease, ok := t.byTask[taskID]
	if !ok {
		return nil, false
	}
	cp := *lease
	return &cp, true
}

// Resolve removes the task's lease if the correlation id and attempt match
// the active one. A mismatch leaves the lease in place and returns false.
func (t *LeaseTable) Resolve(taskID, correlationID string, attempt int) (*types.Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lease, ok := t.byTask[taskID]
	if !ok || !lease.Matches(correlationID, attempt) {
		return nil, false
	}
	t.remove(lease)
	return lease, true
}

// Remove unconditionally removes the task's lease.
func (t *LeaseTable) Remove(taskID string) (*types.Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lease, ok := t.byTask[taskID]
	if !ok {
		return nil, false
	}
	t.remove(lease)
	return lease, true
}

// Extend pushes the lease deadline out, if the correlation id and attempt
// still match.
func (t *LeaseTable) Extend(taskID, correlationID string, attempt int, until time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lease, ok := t.byTask[taskID]
	if !ok || !lease.Matches(correlationID, attempt) {
		return false
	}
	if until.After(lease.ExpiresAt) {
		lease.ExpiresAt = until
	}
	return true
}

// ByAgent returns copies of the agent's active leases.
func (t *LeaseTable) ByAgent(agentID string) []*types.Lease {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.Lease, 0, len(t.byAgent[agentID]))
	for taskID := range t.byAgent[agentID] {
		if lease, ok := t.byTask[taskID]; ok {
			cp := *lease
			out = append(out, &cp)
		}
	}
	return out
}

// Expired returns copies of every lease past its deadline at the given
// instant.
func (t *LeaseTable) Expired(now time.Time) []*types.Lease {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*types.Lease
	for _, lease := range t.byTask {
		if lease.Expired(now) {
			cp := *lease
			out = append(out, &cp)
		}
	}
	return out
}

// Active returns the number of active leases.
func (t *LeaseTable) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byTask)
}

// remove deletes the lease from both indexes. Caller holds t.mu.
func (t *LeaseTable) remove(lease *types.Lease) {
	delete(t.byTask, lease.TaskID)
	if tasks, ok := t.byAgent[lease.AgentID]; ok {
		delete(tasks, lease.TaskID)
		if len(tasks) == 0 {
			delete(t.byAgent, lease.AgentID)
		}
	}
}
