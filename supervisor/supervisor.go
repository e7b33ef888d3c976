// Package supervisor watches in-flight delegations. It validates every agent
// response against the task's active lease, discarding stale duplicates,
// reclaims leases that outlive their deadline, applies progress metadata, and
// drives best-effort cancellation of whole goals.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/bus"
	"github.com/whitecloud343/multi-ai-agents/internal/metrics"
	"github.com/whitecloud343/multi-ai-agents/scheduler"
	"github.com/whitecloud343/multi-ai-agents/taskgraph"
	"github.com/whitecloud343/multi-ai-agents/types"
)

// Config holds supervisor configuration.
type Config struct {
	// SweepInterval is how often expired leases are reclaimed.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// ExtendOnProgress pushes the lease deadline out by this much whenever
	// the agent reports progress. 0 disables extension.
	ExtendOnProgress time.Duration `yaml:"extend_on_progress" json:"extend_on_progress"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Second,
		ExtendOnProgress: 30 * time.Second,
	}
}

// Supervisor enforces lease semantics over running delegations.
type Supervisor struct {
	config    Config
	scheduler *scheduler.Scheduler
	engine    *taskgraph.Engine
	bus       *bus.Bus
	collector *metrics.Collector
	logger    *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a supervisor. collector may be nil.
func New(config Config, sched *scheduler.Scheduler, engine *taskgraph.Engine, b *bus.Bus, collector *metrics.Collector, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Supervisor{
		config:    config,
		scheduler: sched,
		engine:    engine,
		bus:       b,
		collector: collector,
		logger:    logger.With(zap.String("component", "supervisor")),
		done:      make(chan struct{}),
	}
}

// Start launches the lease expiry sweep.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepLeases(time.Now())
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	s.logger.Info("supervisor started", zap.Duration("sweep_interval", s.config.SweepInterval))
}

// Close stops the sweep loop.
func (s *Supervisor) Close() error {
	close(s.done)
	s.wg.Wait()
	s.logger.Info("supervisor closed")
	return nil
}

// SweepLeases reclaims every lease expired at the given instant. Exposed for
// deterministic tests; the Start loop calls it periodically.
func (s *Supervisor) SweepLeases(now time.Time) {
	for _, lease := range s.scheduler.Leases().Expired(now) {
		s.scheduler.ReclaimExpired(lease)
	}
}

// HandleMessage processes one agent-to-orchestrator message. Responses that
// do not match the task's active lease return StaleResult and leave all state
// untouched.
func (s *Supervisor) HandleMessage(ctx context.Context, msg *types.Message) error {
	switch msg.Type {
	case types.MessageAccept:
		return s.scheduler.HandleAccept(msg.TaskID, msg.CorrelationID, msg.Attempt)
	case types.MessageReject:
		return s.scheduler.HandleReject(msg.TaskID, msg.CorrelationID, msg.Attempt, rejectReason(msg))
	case types.MessageResult:
		return s.applyResult(msg)
	case types.MessageProgress:
		return s.applyProgress(msg)
	default:
		return fmt.Errorf("unexpected message type %q from agent %s", msg.Type, msg.Sender)
	}
}

// CancelGoal cancels every non-terminal node of the goal, revokes in-flight
// leases, and sends best-effort Cancel messages to the agents holding them.
// Results arriving afterwards fail the stale check and are discarded.
func (s *Supervisor) CancelGoal(ctx context.Context, goalID string) error {
	if _, ok := s.engine.Graph(goalID); !ok {
		return types.NewError(types.ErrGoalNotFound, "no such goal").WithGoal(goalID)
	}

	affected := s.engine.CancelAll(goalID)
	revoked := 0
	for _, node := range affected {
		lease, ok := s.scheduler.RevokeTask(node.ID)
		if !ok {
			continue
		}
		revoked++
		cancel := &types.Message{
			Type:          types.MessageCancel,
			Sender:        "orchestrator",
			Recipient:     lease.AgentID,
			CorrelationID: lease.CorrelationID,
			Attempt:       lease.Attempt,
			TaskID:        node.ID,
			Priority:      types.PriorityUrgent,
		}
		if err := s.bus.Publish(ctx, cancel); err != nil {
			// Best effort: an unreachable agent's result will be discarded
			// as stale anyway.
			s.logger.Debug("cancel notification not delivered",
				zap.String("task_id", node.ID),
				zap.String("agent_id", lease.AgentID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("goal cancelled",
		zap.String("goal_id", goalID),
		zap.Int("nodes", len(affected)),
		zap.Int("leases_revoked", revoked),
	)
	return nil
}

func (s *Supervisor) applyResult(msg *types.Message) error {
	lease, ok := s.scheduler.ResolveLease(msg.TaskID, msg.CorrelationID, msg.Attempt)
	if !ok {
		s.collector.RecordStaleResult()
		s.logger.Warn("stale result discarded",
			zap.String("task_id", msg.TaskID),
			zap.String("sender", msg.Sender),
			zap.Int("attempt", msg.Attempt),
		)
		return types.NewError(types.ErrStaleResult, "result does not match active lease").
			WithTask(msg.TaskID)
	}

	var payload types.ResultPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.engine.ApplyOutcome(lease.GoalID, msg.TaskID, types.TaskFailed, nil,
				"malformed result payload: "+err.Error())
			s.collector.RecordTaskCompleted(string(types.TaskFailed))
			return fmt.Errorf("result payload for task %s: %w", msg.TaskID, err)
		}
	}

	state := types.TaskFailed
	if payload.Outcome == types.ResultOutcomeSucceeded {
		state = types.TaskSucceeded
	}
	s.engine.ApplyOutcome(lease.GoalID, msg.TaskID, state, payload.Payload, payload.ErrorInfo)
	s.collector.RecordTaskCompleted(string(state))

	s.logger.Info("result applied",
		zap.String("goal_id", lease.GoalID),
		zap.String("task_id", msg.TaskID),
		zap.String("agent_id", lease.AgentID),
		zap.String("state", string(state)),
	)
	return nil
}

func (s *Supervisor) applyProgress(msg *types.Message) error {
	lease, ok := s.scheduler.Leases().Get(msg.TaskID)
	if !ok || !lease.Matches(msg.CorrelationID, msg.Attempt) {
		return types.NewError(types.ErrStaleResult, "progress does not match active lease").
			WithTask(msg.TaskID)
	}

	var payload types.ProgressPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("progress payload for task %s: %w", msg.TaskID, err)
		}
	}

	if g, ok := s.engine.Graph(lease.GoalID); ok {
		g.SetProgress(msg.TaskID, payload.Percent, payload.Note)
	}
	if s.config.ExtendOnProgress > 0 {
		s.scheduler.Leases().Extend(msg.TaskID, msg.CorrelationID, msg.Attempt,
			time.Now().Add(s.config.ExtendOnProgress))
	}
	return nil
}

func rejectReason(msg *types.Message) string {
	var payload types.ResultPayload
	if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &payload) == nil && payload.ErrorInfo != "" {
		return payload.ErrorInfo
	}
	return "rejected by agent"
}
