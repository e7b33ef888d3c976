// Package orchestrator wires the registry, router, bus, task graph engine,
// scheduler, supervisor, aggregator and result archive into one coordination
// core. Everything runs in-process: agents attach by registering, consuming
// their bus queue, and answering delegations through HandleAgentMessage.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whitecloud343/multi-ai-agents/aggregator"
	"github.com/whitecloud343/multi-ai-agents/bus"
	"github.com/whitecloud343/multi-ai-agents/config"
	"github.com/whitecloud343/multi-ai-agents/internal/metrics"
	"github.com/whitecloud343/multi-ai-agents/internal/telemetry"
	"github.com/whitecloud343/multi-ai-agents/persistence"
	"github.com/whitecloud343/multi-ai-agents/registry"
	"github.com/whitecloud343/multi-ai-agents/router"
	"github.com/whitecloud343/multi-ai-agents/scheduler"
	"github.com/whitecloud343/multi-ai-agents/supervisor"
	"github.com/whitecloud343/multi-ai-agents/taskgraph"
	"github.com/whitecloud343/multi-ai-agents/types"
)

// WatchFunc receives a goal's final result exactly once.
type WatchFunc func(result *types.GoalResult)

// Orchestrator is the assembled coordination core.
type Orchestrator struct {
	config *config.Config
	logger *zap.Logger

	registry   *registry.Registry
	bus        *bus.Bus
	router     *router.Router
	engine     *taskgraph.Engine
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
	aggregator *aggregator.Aggregator
	store      persistence.Store

	collector *metrics.Collector
	promReg   *prometheus.Registry
	telemetry *telemetry.Providers

	mu      sync.Mutex
	watches map[string][]WatchFunc
	closed  bool
}

// New assembles an orchestrator from the configuration. A nil config gets
// defaults; a nil logger is built from the config's log section.
func New(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		var err error
		logger, err = cfg.Log.BuildLogger()
		if err != nil {
			return nil, err
		}
	}

	var (
		collector *metrics.Collector
		promReg   *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, promReg, logger)
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewStore(cfg.Persistence, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		config:    cfg,
		logger:    logger.With(zap.String("component", "orchestrator")),
		collector: collector,
		promReg:   promReg,
		telemetry: providers,
		store:     store,
		watches:   make(map[string][]WatchFunc),
	}

	o.registry = registry.New(cfg.Registry, logger)
	o.bus = bus.New(cfg.Bus, o.registry.Status, collector, logger)
	o.router = router.New(o.registry, logger)
	o.engine = taskgraph.NewEngine(logger)
	o.scheduler = scheduler.New(cfg.Scheduler, o.registry, o.router, o.bus, o.engine, collector, logger)
	o.supervisor = supervisor.New(cfg.Supervisor, o.scheduler, o.engine, o.bus, collector, logger)
	o.aggregator = aggregator.New(logger)
	o.engine.SetHooks(o.scheduler.EnqueueReady, o.onGraphTerminal)

	return o, nil
}

// Start launches all background loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.registry.Start(ctx)
	o.bus.Start(ctx)
	o.scheduler.Start(ctx)
	o.supervisor.Start(ctx)
	o.logger.Info("orchestrator started")
}

// Close shuts the core down, front to back: no new dispatches, then no more
// deliveries, then the bookkeeping loops.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var errs []error
	if err := o.supervisor.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.scheduler.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	o.logger.Info("orchestrator closed")
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Run starts the core and blocks until the context is cancelled, then shuts
// down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Start(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return o.Close()
	})
	return group.Wait()
}

// RegisterStrategy makes a decomposition strategy available to goals.
func (o *Orchestrator) RegisterStrategy(s taskgraph.Strategy) {
	o.engine.RegisterStrategy(s)
}

// RegisterAgent adds an agent to the registry.
func (o *Orchestrator) RegisterAgent(ctx context.Context, desc *types.AgentDescriptor) error {
	if err := o.registry.Register(ctx, desc); err != nil {
		return err
	}
	o.collector.SetRegisteredAgents(len(o.registry.List()))
	return nil
}

// DeregisterAgent removes an agent; force revokes its leases and requeues
// their tasks.
func (o *Orchestrator) DeregisterAgent(ctx context.Context, agentID string, force bool) error {
	if err := o.registry.Deregister(ctx, agentID, force); err != nil {
		return err
	}
	o.collector.SetRegisteredAgents(len(o.registry.List()))
	return nil
}

// Heartbeat refreshes an agent's liveness.
func (o *Orchestrator) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) error {
	return o.registry.Heartbeat(ctx, agentID, status)
}

// Agents returns the current registry contents.
func (o *Orchestrator) Agents() []*types.AgentDescriptor {
	return o.registry.List()
}

// SubmitGoal validates, admits, and decomposes a goal. The id must be fresh
// across live and archived goals; a full in-flight queue refuses the
// submission with QueueFull.
func (o *Orchestrator) SubmitGoal(ctx context.Context, goal *types.Goal) error {
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if _, live := o.engine.Graph(goal.ID); live {
		return types.NewError(types.ErrDuplicateID, "goal id already in use").WithGoal(goal.ID)
	}
	if _, err := o.store.GetResult(ctx, goal.ID); err == nil {
		return types.NewError(types.ErrDuplicateID, "goal id already archived").WithGoal(goal.ID)
	}
	if err := o.scheduler.Admit(); err != nil {
		return err
	}

	ctx, span := telemetry.StartGoalSpan(ctx, goal.ID, goal.Strategy)
	defer span.End()

	goal.SubmittedAt = time.Now()
	if _, err := o.engine.Decompose(ctx, goal); err != nil {
		return err
	}
	o.collector.RecordGoalSubmitted()
	return nil
}

// GetResult returns the goal's aggregated result: a running snapshot for a
// live goal, the archived result for a finished one, GoalNotFound otherwise.
func (o *Orchestrator) GetResult(ctx context.Context, goalID string) (*types.GoalResult, error) {
	if g, live := o.engine.Graph(goalID); live {
		return o.aggregator.Aggregate(g), nil
	}
	return o.store.GetResult(ctx, goalID)
}

// CancelGoal cancels a live goal. Cancelling an already-finished goal is a
// no-op; an unknown goal fails with GoalNotFound.
func (o *Orchestrator) CancelGoal(ctx context.Context, goalID string) error {
	if _, live := o.engine.Graph(goalID); !live {
		if _, err := o.store.GetResult(ctx, goalID); err == nil {
			return nil
		}
		return types.NewError(types.ErrGoalNotFound, "no such goal").WithGoal(goalID)
	}
	return o.supervisor.CancelGoal(ctx, goalID)
}

// Watch registers a callback for the goal's final result. A goal that is
// already archived gets the callback invoked immediately.
//
// The liveness check and the append happen under the same lock that
// onGraphTerminal drains watchers with, and the drain only runs after the
// graph is dropped: a graph observed live here cannot have been drained yet,
// and a dropped graph is already archived.
func (o *Orchestrator) Watch(ctx context.Context, goalID string, fn WatchFunc) error {
	o.mu.Lock()
	if _, live := o.engine.Graph(goalID); live {
		o.watches[goalID] = append(o.watches[goalID], fn)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	result, err := o.store.GetResult(ctx, goalID)
	if err != nil {
		return err
	}
	fn(result)
	return nil
}

// HandleAgentMessage processes an Accept, Reject, Progress, or Result sent
// by an agent.
func (o *Orchestrator) HandleAgentMessage(ctx context.Context, msg *types.Message) error {
	return o.supervisor.HandleMessage(ctx, msg)
}

// Consume blocks until the next message for the agent is available. Agent
// runtimes drive their delivery loop with this.
func (o *Orchestrator) Consume(ctx context.Context, agentID string) (*types.Message, error) {
	return o.bus.Consume(ctx, agentID)
}

// MetricsGatherer exposes the Prometheus registry for scraping, nil when
// metrics are disabled.
func (o *Orchestrator) MetricsGatherer() prometheus.Gatherer {
	if o.promReg == nil {
		return nil
	}
	return o.promReg
}

// onGraphTerminal archives the finished goal, drops the live graph, and
// notifies watchers. Runs exactly once per goal. The order is load-bearing:
// archive before drop, drop before drain, so Watch never finds the goal
// neither live nor archived and never registers after the drain.
func (o *Orchestrator) onGraphTerminal(g *taskgraph.Graph) {
	result := o.aggregator.Aggregate(g)
	o.collector.RecordGoalCompleted(string(result.State))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveResult(ctx, result); err != nil {
		o.logger.Error("failed to archive goal result",
			zap.String("goal_id", result.GoalID),
			zap.Error(err),
		)
	}
	o.engine.Drop(result.GoalID)

	o.mu.Lock()
	watchers := o.watches[result.GoalID]
	delete(o.watches, result.GoalID)
	o.mu.Unlock()
	for _, fn := range watchers {
		fn(result)
	}
}
