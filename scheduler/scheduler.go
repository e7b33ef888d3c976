// Package scheduler assigns ready task nodes to eligible agents. It claims a
// capacity slot on the chosen agent, records an exclusive time-bounded lease,
// and publishes the Delegate message. Rejections, unacknowledged delegations,
// and expired leases come back here to be requeued with exponential backoff
// until the retry budget is exhausted.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/whitecloud343/multi-ai-agents/bus"
	"github.com/whitecloud343/multi-ai-agents/internal/metrics"
	"github.com/whitecloud343/multi-ai-agents/registry"
	"github.com/whitecloud343/multi-ai-agents/router"
	"github.com/whitecloud343/multi-ai-agents/taskgraph"
	"github.com/whitecloud343/multi-ai-agents/types"
)

// Config holds scheduler configuration.
type Config struct {
	// MaxInFlight bounds dispatched-plus-waiting tasks across all goals. New
	// goal submissions are refused with QueueFull while the bound is hit.
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`

	// LeaseTTL is how long an agent may hold a task before the lease is
	// reclaimed.
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`

	// DispatchWorkers is the number of concurrent dispatch workers.
	DispatchWorkers int `yaml:"dispatch_workers" json:"dispatch_workers"`

	// Retry is the backoff policy for failed attempts.
	Retry RetryPolicy `yaml:"retry" json:"retry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:     256,
		LeaseTTL:        30 * time.Second,
		DispatchWorkers: 4,
		Retry:           DefaultRetryPolicy(),
	}
}

// nodeRef identifies a ready node awaiting dispatch.
type nodeRef struct {
	goalID  string
	nodeID  string
	readyAt time.Time
}

// Scheduler is the dispatch loop between the task graph engine and the bus.
type Scheduler struct {
	config    Config
	registry  *registry.Registry
	router    *router.Router
	bus       *bus.Bus
	engine    *taskgraph.Engine
	leases    *LeaseTable
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	backlog []nodeRef
	closed  bool

	sem    *semaphore.Weighted
	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler and wires itself into the bus's implicit-reject
// path and the registry's lease invalidation path. The engine's ready hook
// must be pointed at EnqueueReady by the caller. collector may be nil.
func New(config Config, reg *registry.Registry, rt *router.Router, b *bus.Bus, engine *taskgraph.Engine, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if config.DispatchWorkers <= 0 {
		config.DispatchWorkers = DefaultConfig().DispatchWorkers
	}
	config.Retry = config.Retry.normalized()

	s := &Scheduler{
		config:    config,
		registry:  reg,
		router:    rt,
		bus:       b,
		engine:    engine,
		leases:    NewLeaseTable(),
		collector: collector,
		logger:    logger.With(zap.String("component", "scheduler")),
		sem:       semaphore.NewWeighted(int64(config.MaxInFlight)),
		wake:      make(chan struct{}, 64),
		done:      make(chan struct{}),
	}
	b.SetImplicitRejectHandler(s.handleImplicitReject)
	reg.SetInvalidator(s.InvalidateAgent)
	return s
}

// Leases exposes the lease table to the supervisor.
func (s *Scheduler) Leases() *LeaseTable { return s.leases }

// Start launches the dispatch workers.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.config.DispatchWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
	s.logger.Info("scheduler started",
		zap.Int("workers", s.config.DispatchWorkers),
		zap.Int("max_in_flight", s.config.MaxInFlight),
	)
}

// Close stops the dispatch workers. Active leases stay in the table so a
// restart can reconcile them.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler closed")
	return nil
}

// Admit reports whether a new goal may be accepted. Refuses with QueueFull
// while the in-flight bound is hit.
func (s *Scheduler) Admit() error {
	s.mu.Lock()
	waiting := len(s.backlog)
	s.mu.Unlock()

	if waiting+s.leases.Active() >= s.config.MaxInFlight {
		return types.NewError(types.ErrQueueFull, "in-flight task limit reached").
			WithRetryable(true)
	}
	return nil
}

// EnqueueReady queues a ready node for dispatch. This is the engine's ready
// hook; requeues after backoff land here as well.
func (s *Scheduler) EnqueueReady(goalID, nodeID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.backlog = append(s.backlog, nodeRef{goalID: goalID, nodeID: nodeID, readyAt: time.Now()})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// HandleAccept validates an Accept against the task's lease and moves the
// node to Running. Accepts that do not match the active lease are stale and
// discarded with StaleResult.
func (s *Scheduler) HandleAccept(taskID, correlationID string, attempt int) error {
	lease, ok := s.leases.Get(taskID)
	if !ok || !lease.Matches(correlationID, attempt) {
		return types.NewError(types.ErrStaleResult, "accept does not match active lease").
			WithTask(taskID)
	}

	s.bus.Ack(correlationID)
	if g, ok := s.engine.Graph(lease.GoalID); ok {
		g.MarkRunning(taskID)
	}
	return nil
}

// HandleReject processes an explicit or implicit rejection: the lease is
// released, the agent's slot returned, and the node requeued with backoff or
// failed once its retry budget is spent. Stale rejections are discarded.
func (s *Scheduler) HandleReject(taskID, correlationID string, attempt int, reason string) error {
	lease, ok := s.leases.Resolve(taskID, correlationID, attempt)
	if !ok {
		return types.NewError(types.ErrStaleResult, "reject does not match active lease").
			WithTask(taskID)
	}
	s.bus.Ack(correlationID)
	s.releaseClaim(lease)

	s.logger.Debug("delegation rejected",
		zap.String("task_id", taskID),
		zap.String("agent_id", lease.AgentID),
		zap.Int("attempt", attempt),
		zap.String("reason", reason),
	)
	s.requeueOrFail(lease.GoalID, taskID, errors.New(reason))
	return nil
}

// ResolveLease releases the task's lease if the correlation id and attempt
// match, returning the lease. Used by the supervisor when a Result arrives;
// a false return means the response is stale.
func (s *Scheduler) ResolveLease(taskID, correlationID string, attempt int) (*types.Lease, bool) {
	lease, ok := s.leases.Resolve(taskID, correlationID, attempt)
	if !ok {
		return nil, false
	}
	s.bus.Ack(correlationID)
	s.releaseClaim(lease)
	return lease, true
}

// ReclaimExpired revokes a lease past its deadline: the agent is charged a
// stall, the slot returned, and the task requeued with a retry consumed.
func (s *Scheduler) ReclaimExpired(expired *types.Lease) {
	lease, ok := s.leases.Resolve(expired.TaskID, expired.CorrelationID, expired.Attempt)
	if !ok {
		return
	}
	s.bus.Ack(lease.CorrelationID)
	s.registry.RecordStall(lease.AgentID)
	s.releaseClaim(lease)
	s.collector.RecordLeaseExpired()

	s.logger.Warn("lease expired",
		zap.String("task_id", lease.TaskID),
		zap.String("agent_id", lease.AgentID),
		zap.Int("attempt", lease.Attempt),
	)
	cause := types.NewError(types.ErrLeaseExpired, "lease expired").
		WithTask(lease.TaskID).WithAgent(lease.AgentID)
	s.requeueOrFail(lease.GoalID, lease.TaskID, cause)
}

// RevokeTask unconditionally drops the task's lease, returning it so the
// caller can notify the agent. Used on goal cancellation.
func (s *Scheduler) RevokeTask(taskID string) (*types.Lease, bool) {
	lease, ok := s.leases.Remove(taskID)
	if !ok {
		return nil, false
	}
	s.bus.Ack(lease.CorrelationID)
	s.releaseClaim(lease)
	return lease, true
}

// InvalidateAgent revokes every lease held by the agent and requeues the
// tasks immediately, without consuming their retry budget. This is the
// registry's forced-deregistration callback.
func (s *Scheduler) InvalidateAgent(agentID string) {
	for _, lease := range s.leases.ByAgent(agentID) {
		resolved, ok := s.leases.Resolve(lease.TaskID, lease.CorrelationID, lease.Attempt)
		if !ok {
			continue
		}
		s.bus.Ack(resolved.CorrelationID)
		s.releaseClaim(resolved)

		g, ok := s.engine.Graph(resolved.GoalID)
		if !ok {
			continue
		}
		if _, ok := g.Requeue(resolved.TaskID, false); ok {
			s.logger.Info("lease invalidated by deregistration",
				zap.String("task_id", resolved.TaskID),
				zap.String("agent_id", agentID),
			)
			s.EnqueueReady(resolved.GoalID, resolved.TaskID)
		}
	}
}

// worker pulls ready nodes off the backlog and dispatches them, holding an
// in-flight permit for the lifetime of each resulting lease.
func (s *Scheduler) worker(ctx context.Context) {
	for {
		ref, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.dispatch(ctx, ref)
	}
}

func (s *Scheduler) next() (nodeRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		return nodeRef{}, false
	}
	ref := s.backlog[0]
	s.backlog = s.backlog[1:]
	return ref, true
}

// dispatch routes one ready node to an agent. The caller holds one in-flight
// permit; every path that does not leave an active lease must give it back.
func (s *Scheduler) dispatch(ctx context.Context, ref nodeRef) {
	g, ok := s.engine.Graph(ref.goalID)
	if !ok {
		s.sem.Release(1)
		return
	}
	node, ok := g.Snapshot(ref.nodeID)
	if !ok || node.State != types.TaskReady {
		s.sem.Release(1)
		return
	}

	candidates, err := s.router.Match(node.Requirement)
	if err != nil {
		s.sem.Release(1)
		if types.IsRetryable(err) {
			// Transient: capacity or liveness. Wait it out without touching
			// the node's retry budget.
			s.retryAfter(ref, s.config.Retry.Delay(1))
			return
		}
		s.logger.Warn("no agent can ever satisfy requirement",
			zap.String("goal_id", ref.goalID),
			zap.String("task_id", ref.nodeID),
			zap.Strings("required_tags", node.Requirement.RequiredTags),
		)
		s.engine.ApplyOutcome(ref.goalID, ref.nodeID, types.TaskFailed, nil,
			"no eligible agent for required capabilities")
		return
	}

	attempt := node.Retries + 1
	for _, agentID := range candidates {
		if err := s.registry.AcquireSlot(agentID); err != nil {
			continue
		}
		if s.delegate(ctx, g, node, agentID, attempt, ref.readyAt) {
			return
		}
	}

	// Every candidate refused the slot or the publish; try again shortly.
	s.sem.Release(1)
	s.retryAfter(ref, s.config.Retry.Delay(1))
}

// delegate creates the lease and publishes the Delegate to one agent. The
// acquired capacity slot is returned on failure.
func (s *Scheduler) delegate(ctx context.Context, g *taskgraph.Graph, node types.TaskNode, agentID string, attempt int, readyAt time.Time) bool {
	lease := &types.Lease{
		TaskID:        node.ID,
		GoalID:        node.GoalID,
		AgentID:       agentID,
		CorrelationID: uuid.NewString(),
		Attempt:       attempt,
		ExpiresAt:     time.Now().Add(s.config.LeaseTTL),
	}
	if err := s.leases.Create(lease); err != nil {
		s.registry.ReleaseSlot(agentID)
		s.logger.Error("lease conflict on dispatch", zap.String("task_id", node.ID), zap.Error(err))
		s.sem.Release(1)
		return true
	}

	payload, _ := json.Marshal(types.DelegatePayload{
		TaskID:      node.ID,
		Attempt:     attempt,
		Requirement: node.Requirement,
		Payload:     node.Payload,
		Deadline:    lease.ExpiresAt,
	})
	msg := &types.Message{
		Type:          types.MessageDelegate,
		Sender:        "orchestrator",
		Recipient:     agentID,
		CorrelationID: lease.CorrelationID,
		Attempt:       attempt,
		TaskID:        node.ID,
		Payload:       payload,
		Priority:      g.Priority(node.ID),
		Deadline:      lease.ExpiresAt,
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.leases.Remove(node.ID)
		s.registry.ReleaseSlot(agentID)
		s.logger.Debug("delegate publish refused",
			zap.String("task_id", node.ID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return false
	}

	if !g.MarkDispatched(node.ID, agentID) {
		// The node left Ready while we were publishing, most likely a
		// cancellation. Revoke the claim; any late result will be stale.
		s.leases.Remove(node.ID)
		s.registry.ReleaseSlot(agentID)
		s.bus.Ack(lease.CorrelationID)
		s.sem.Release(1)
		return true
	}

	s.collector.RecordTaskDispatched(time.Since(readyAt))
	s.collector.SetInFlight(s.leases.Active())
	s.logger.Info("task dispatched",
		zap.String("goal_id", node.GoalID),
		zap.String("task_id", node.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", attempt),
	)
	return true
}

// requeueOrFail returns the node to Ready behind a backoff delay, or fails it
// terminally once the retry budget is exhausted. The cause survives into the
// terminal error so diagnostics carry the last failure's code.
func (s *Scheduler) requeueOrFail(goalID, taskID string, cause error) {
	g, ok := s.engine.Graph(goalID)
	if !ok {
		return
	}
	node, ok := g.Snapshot(taskID)
	if !ok || node.State.IsTerminal() {
		return
	}

	if node.Retries >= s.config.Retry.MaxRetries {
		s.logger.Warn("retry budget exhausted",
			zap.String("goal_id", goalID),
			zap.String("task_id", taskID),
			zap.Int("attempts", node.Retries+1),
			zap.Error(cause),
		)
		terminal := types.NewError(types.ErrMaxRetriesExceeded, "max retries exceeded").
			WithTask(taskID).WithCause(cause)
		s.engine.ApplyOutcome(goalID, taskID, types.TaskFailed, nil, terminal.Error())
		return
	}

	retries, ok := g.Requeue(taskID, true)
	if !ok {
		return
	}
	s.collector.RecordTaskRetry()
	delay := s.config.Retry.Delay(retries)
	s.logger.Info("task requeued",
		zap.String("goal_id", goalID),
		zap.String("task_id", taskID),
		zap.Int("retry", retries),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	s.retryAfter(nodeRef{goalID: goalID, nodeID: taskID}, delay)
}

func (s *Scheduler) retryAfter(ref nodeRef, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.EnqueueReady(ref.goalID, ref.nodeID)
	})
}

// releaseClaim gives back the agent slot and the in-flight permit for a lease
// that has been removed from the table.
func (s *Scheduler) releaseClaim(lease *types.Lease) {
	s.registry.ReleaseSlot(lease.AgentID)
	s.sem.Release(1)
	s.collector.SetInFlight(s.leases.Active())
}

func (s *Scheduler) handleImplicitReject(msg *types.Message) {
	_ = s.HandleReject(msg.TaskID, msg.CorrelationID, msg.Attempt, "delegation unacknowledged")
}
