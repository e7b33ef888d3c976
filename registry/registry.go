// Package registry tracks agent identity, capability tags, capacity, and
// liveness. It is the single authority for per-agent lease slots: the
// scheduler acquires and releases slots through it so that an agent never
// holds more than Capacity concurrent leases.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// Config holds configuration for the registry.
type Config struct {
	// HeartbeatInterval is the liveness interval T: an agent unheard of for
	// T becomes Degraded, for 2T becomes Offline.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// SweepInterval is how often the liveness monitor runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// StallThreshold is the number of expired leases after which an agent is
	// marked Degraded.
	StallThreshold int `yaml:"stall_threshold" json:"stall_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		SweepInterval:     5 * time.Second,
		StallThreshold:    3,
	}
}

// InvalidateFunc is called with the agent id when a forced deregistration
// revokes the agent's outstanding leases. The scheduler requeues the tasks.
type InvalidateFunc func(agentID string)

// Registry is the in-memory agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentDescriptor

	config Config
	logger *zap.Logger

	invalidate InvalidateFunc

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry.
func New(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*types.AgentDescriptor),
		config: config,
		logger: logger.With(zap.String("component", "registry")),
		done:   make(chan struct{}),
	}
}

// SetInvalidator installs the lease invalidation callback used by forced
// deregistration. Must be called before Start.
func (r *Registry) SetInvalidator(fn InvalidateFunc) {
	r.invalidate = fn
}

// Start launches the liveness monitor.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepLiveness(time.Now())
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}()
	r.logger.Info("registry started",
		zap.Duration("heartbeat_interval", r.config.HeartbeatInterval),
	)
}

// Close stops the liveness monitor.
func (r *Registry) Close() error {
	close(r.done)
	r.wg.Wait()
	r.logger.Info("registry closed")
	return nil
}

// Register adds an agent. Fails with DuplicateID when the id is taken.
func (r *Registry) Register(ctx context.Context, desc *types.AgentDescriptor) error {
	if desc == nil || desc.ID == "" {
		return types.NewError(types.ErrDuplicateID, "agent descriptor missing id")
	}
	if desc.Capacity <= 0 {
		desc.Capacity = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[desc.ID]; exists {
		return types.NewError(types.ErrDuplicateID, "agent already registered").WithAgent(desc.ID)
	}

	now := time.Now()
	stored := *desc
	stored.Tags = append([]string(nil), desc.Tags...)
	stored.Status = types.AgentIdle
	stored.ActiveLeases = 0
	stored.StallCount = 0
	stored.RegisteredAt = now
	stored.LastHeartbeat = now
	r.agents[desc.ID] = &stored

	r.logger.Info("agent registered",
		zap.String("agent_id", desc.ID),
		zap.Strings("tags", desc.Tags),
		zap.Int("capacity", desc.Capacity),
	)
	return nil
}

// Deregister removes an agent. Without force it fails with ActiveLeaseExists
// when the agent still holds leases; with force the outstanding leases are
// invalidated through the registered callback and their tasks requeued.
func (r *Registry) Deregister(ctx context.Context, agentID string, force bool) error {
	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgent(agentID)
	}
	if agent.ActiveLeases > 0 && !force {
		r.mu.Unlock()
		return types.NewError(types.ErrActiveLeaseExists, "agent holds active leases").WithAgent(agentID)
	}
	hadLeases := agent.ActiveLeases > 0
	delete(r.agents, agentID)
	r.mu.Unlock()

	if hadLeases && r.invalidate != nil {
		r.invalidate(agentID)
	}

	r.logger.Info("agent deregistered",
		zap.String("agent_id", agentID),
		zap.Bool("forced", force),
	)
	return nil
}

// Heartbeat refreshes an agent's last-seen timestamp and self-reported
// status. Degraded and Offline self-reports are honored as-is (an agent
// announcing shutdown stops receiving work immediately); anything else
// revives the agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return types.NewError(types.ErrAgentNotFound, "heartbeat from unknown agent").WithAgent(agentID)
	}

	agent.LastHeartbeat = time.Now()
	switch status {
	case types.AgentDegraded:
		agent.Status = types.AgentDegraded
	case types.AgentOffline:
		agent.Status = types.AgentOffline
	default:
		// Self-reported idle/busy revives the agent; the authoritative
		// idle-vs-busy distinction is derived from lease counts.
		agent.Status = r.deriveStatus(agent)
	}
	return nil
}

// Query returns eligible candidates: every required tag present, status
// available, and free capacity at or above minCapacity (minimum 1). Ranking
// is ascending current load, then descending registration recency.
func (r *Registry) Query(requiredTags []string, minCapacity int) []*types.AgentDescriptor {
	if minCapacity < 1 {
		minCapacity = 1
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]*types.AgentDescriptor, 0, len(r.agents))
	for _, agent := range r.agents {
		if !agent.Status.Available() {
			continue
		}
		if agent.FreeCapacity() < minCapacity {
			continue
		}
		if !agent.HasTags(requiredTags) {
			continue
		}
		candidates = append(candidates, copyDescriptor(agent))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ActiveLeases != candidates[j].ActiveLeases {
			return candidates[i].ActiveLeases < candidates[j].ActiveLeases
		}
		return candidates[i].RegisteredAt.After(candidates[j].RegisteredAt)
	})
	return candidates
}

// TagsSatisfiable reports whether any registered agent, regardless of its
// current status or load, advertises every required tag. When false, the
// requirement is structurally unsatisfiable and not worth retrying.
func (r *Registry) TagsSatisfiable(requiredTags []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		if agent.HasTags(requiredTags) {
			return true
		}
	}
	return false
}

// Get returns a copy of the agent descriptor.
func (r *Registry) Get(agentID string) (*types.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil, false
	}
	return copyDescriptor(agent), true
}

// Status returns the agent's current status, Offline for unknown agents.
func (r *Registry) Status(agentID string) types.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return types.AgentOffline
	}
	return agent.Status
}

// AcquireSlot atomically claims one lease slot on the agent. It fails when
// the agent is unknown, unavailable, or already at capacity.
func (r *Registry) AcquireSlot(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgent(agentID)
	}
	if !agent.Status.Available() {
		return types.NewError(types.ErrAgentUnavailable, "agent not available").
			WithAgent(agentID).WithRetryable(true)
	}
	if agent.FreeCapacity() < 1 {
		return types.NewError(types.ErrAgentUnavailable, "agent at capacity").
			WithAgent(agentID).WithRetryable(true)
	}

	agent.ActiveLeases++
	agent.Status = r.deriveStatus(agent)
	return nil
}

// ReleaseSlot returns a lease slot to the agent. Releasing a slot on a
// deregistered agent is a no-op.
func (r *Registry) ReleaseSlot(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return
	}
	if agent.ActiveLeases > 0 {
		agent.ActiveLeases--
	}
	agent.Status = r.deriveStatus(agent)
}

// RecordStall notes that a lease held by the agent expired. Crossing the
// stall threshold marks the agent Degraded.
func (r *Registry) RecordStall(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return
	}
	agent.StallCount++
	if agent.StallCount >= r.config.StallThreshold {
		agent.Status = types.AgentDegraded
		r.logger.Warn("agent degraded by stall rate",
			zap.String("agent_id", agentID),
			zap.Int("stall_count", agent.StallCount),
		)
	}
}

// SweepLiveness applies the missed-heartbeat policy at the given instant:
// silence beyond one interval demotes to Degraded, beyond two to Offline.
// Exposed for deterministic tests; the Start loop calls it periodically.
func (r *Registry) SweepLiveness(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, agent := range r.agents {
		silent := now.Sub(agent.LastHeartbeat)
		switch {
		case silent > 2*r.config.HeartbeatInterval:
			if agent.Status != types.AgentOffline {
				agent.Status = types.AgentOffline
				r.logger.Warn("agent offline",
					zap.String("agent_id", agent.ID),
					zap.Duration("silent_for", silent),
				)
			}
		case silent > r.config.HeartbeatInterval:
			if agent.Status.Available() {
				agent.Status = types.AgentDegraded
				r.logger.Warn("agent degraded by missed heartbeat",
					zap.String("agent_id", agent.ID),
					zap.Duration("silent_for", silent),
				)
			}
		}
	}
}

// List returns copies of all registered agents.
func (r *Registry) List() []*types.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AgentDescriptor, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, copyDescriptor(agent))
	}
	return out
}

// deriveStatus computes idle/busy from lease counts. Degraded and Offline
// are sticky until a heartbeat or stall-count policy changes them.
func (r *Registry) deriveStatus(agent *types.AgentDescriptor) types.AgentStatus {
	if agent.ActiveLeases > 0 {
		return types.AgentBusy
	}
	return types.AgentIdle
}

func copyDescriptor(agent *types.AgentDescriptor) *types.AgentDescriptor {
	cp := *agent
	cp.Tags = append([]string(nil), agent.Tags...)
	return &cp
}
