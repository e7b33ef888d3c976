package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whitecloud343/multi-ai-agents/config"
	"github.com/whitecloud343/multi-ai-agents/scheduler"
	"github.com/whitecloud343/multi-ai-agents/taskgraph"
	"github.com/whitecloud343/multi-ai-agents/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scheduler.Retry = scheduler.RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
	cfg.Supervisor.SweepInterval = 10 * time.Millisecond
	cfg.Log.Level = "debug"
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	o, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		_ = o.Close()
		cancel()
	})
	return o
}

// runEchoAgent registers an agent that accepts every delegation and answers
// with a successful result echoing the task id.
func runEchoAgent(t *testing.T, o *Orchestrator, id string, tags []string) {
	t.Helper()
	require.NoError(t, o.RegisterAgent(context.Background(), &types.AgentDescriptor{
		ID: id, Tags: tags, Capacity: 4,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			msg, err := o.Consume(ctx, id)
			if err != nil {
				return
			}
			if msg.Type != types.MessageDelegate {
				continue
			}
			accept := &types.Message{
				Type:          types.MessageAccept,
				Sender:        id,
				CorrelationID: msg.CorrelationID,
				Attempt:       msg.Attempt,
				TaskID:        msg.TaskID,
			}
			_ = o.HandleAgentMessage(ctx, accept)

			payload, _ := json.Marshal(types.ResultPayload{
				Outcome: types.ResultOutcomeSucceeded,
				Payload: json.RawMessage(`{"echo":"` + msg.TaskID + `"}`),
			})
			result := &types.Message{
				Type:          types.MessageResult,
				Sender:        id,
				CorrelationID: msg.CorrelationID,
				Attempt:       msg.Attempt,
				TaskID:        msg.TaskID,
				Payload:       payload,
			}
			_ = o.HandleAgentMessage(ctx, result)
		}
	}()
}

// chainStrategy decomposes any goal into a linear chain of n nodes.
func chainStrategy(name string, n int, tags []string) taskgraph.Strategy {
	return taskgraph.StrategyFunc{
		StrategyName: name,
		Fn: func(ctx context.Context, goal *types.Goal) ([]taskgraph.NodeSpec, error) {
			specs := make([]taskgraph.NodeSpec, n)
			for i := range specs {
				specs[i] = taskgraph.NodeSpec{
					ID:          "step-" + string(rune('a'+i)),
					Requirement: types.CapabilityRequirement{RequiredTags: tags},
				}
				if i > 0 {
					specs[i].DependsOn = []string{specs[i-1].ID}
				}
			}
			return specs, nil
		},
	}
}

func TestEndToEnd_GoalSucceeds(t *testing.T) {
	o := newOrchestrator(t, nil)
	runEchoAgent(t, o, "worker-1", []string{"compute"})
	runEchoAgent(t, o, "worker-2", []string{"compute"})
	o.RegisterStrategy(chainStrategy("pipeline", 3, []string{"compute"}))

	done := make(chan *types.GoalResult, 1)
	require.NoError(t, o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"}))
	require.NoError(t, o.Watch(context.Background(), "g1", func(r *types.GoalResult) { done <- r }))

	var result *types.GoalResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("goal did not complete")
	}

	require.Equal(t, types.GoalSucceeded, result.State)
	require.Len(t, result.Outputs, 3)
	assert.Equal(t, "step-a", result.Outputs[0].NodeID)
	assert.JSONEq(t, `{"echo":"step-c"}`, string(result.Outputs[2].Result))

	// The live graph is dropped; the archive now serves the result.
	archived, err := o.GetResult(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, types.GoalSucceeded, archived.State)

	require.NotNil(t, o.MetricsGatherer())
	families, err := o.MetricsGatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestEndToEnd_FailureCarriesPartialsAndDiagnostics(t *testing.T) {
	o := newOrchestrator(t, nil)
	o.RegisterStrategy(chainStrategy("pipeline", 2, []string{"compute"}))

	// This agent accepts and then fails every task.
	require.NoError(t, o.RegisterAgent(context.Background(), &types.AgentDescriptor{
		ID: "faulty", Tags: []string{"compute"}, Capacity: 2,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			msg, err := o.Consume(ctx, "faulty")
			if err != nil {
				return
			}
			if msg.Type != types.MessageDelegate {
				continue
			}
			payload, _ := json.Marshal(types.ResultPayload{
				Outcome:   types.ResultOutcomeFailed,
				ErrorInfo: "tool crashed",
			})
			_ = o.HandleAgentMessage(ctx, &types.Message{
				Type:          types.MessageResult,
				Sender:        "faulty",
				CorrelationID: msg.CorrelationID,
				Attempt:       msg.Attempt,
				TaskID:        msg.TaskID,
				Payload:       payload,
			})
		}
	}()

	done := make(chan *types.GoalResult, 1)
	require.NoError(t, o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"}))
	require.NoError(t, o.Watch(context.Background(), "g1", func(r *types.GoalResult) { done <- r }))

	var result *types.GoalResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("goal did not complete")
	}

	require.Equal(t, types.GoalFailed, result.State)
	require.Len(t, result.Outputs, 2)
	assert.Equal(t, types.TaskFailed, result.Outputs[0].State)
	assert.Equal(t, types.TaskCancelled, result.Outputs[1].State)
	assert.NotEmpty(t, result.Diagnostics)
}

func TestSubmitGoal_DuplicateAndUnknownStrategy(t *testing.T) {
	o := newOrchestrator(t, nil)
	o.RegisterStrategy(chainStrategy("pipeline", 2, []string{"compute"}))

	// No agent consumes, so the goal stays live while we probe duplicates.
	require.NoError(t, o.RegisterAgent(context.Background(), &types.AgentDescriptor{
		ID: "idle-worker", Tags: []string{"compute"}, Capacity: 1,
	}))
	require.NoError(t, o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"}))

	err := o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"})
	assert.True(t, types.IsCode(err, types.ErrDuplicateID))

	err = o.SubmitGoal(context.Background(), &types.Goal{ID: "g2", Strategy: "nope"})
	assert.True(t, types.IsCode(err, types.ErrUnknownStrategy))
}

func TestCancelGoal_LifecycleAndIdempotence(t *testing.T) {
	o := newOrchestrator(t, nil)
	o.RegisterStrategy(chainStrategy("pipeline", 2, []string{"compute"}))
	require.NoError(t, o.RegisterAgent(context.Background(), &types.AgentDescriptor{
		ID: "silent", Tags: []string{"compute"}, Capacity: 1,
	}))

	done := make(chan *types.GoalResult, 1)
	require.NoError(t, o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"}))
	require.NoError(t, o.Watch(context.Background(), "g1", func(r *types.GoalResult) { done <- r }))

	require.NoError(t, o.CancelGoal(context.Background(), "g1"))

	var result *types.GoalResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("cancellation did not finish the goal")
	}
	require.Equal(t, types.GoalCancelled, result.State)

	// Cancelling a finished goal is a no-op; an unknown goal is an error.
	assert.NoError(t, o.CancelGoal(context.Background(), "g1"))
	err := o.CancelGoal(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrGoalNotFound))

	// A watch on the archived goal fires immediately.
	fired := false
	require.NoError(t, o.Watch(context.Background(), "g1", func(r *types.GoalResult) { fired = true }))
	assert.True(t, fired)

	// The archived id stays reserved.
	err = o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"})
	assert.True(t, types.IsCode(err, types.ErrDuplicateID))
}

func TestGetResult_UnknownGoal(t *testing.T) {
	o := newOrchestrator(t, nil)
	_, err := o.GetResult(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrGoalNotFound))
}

func TestQueueFull_RefusesSubmission(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxInFlight = 1
	o := newOrchestrator(t, cfg)
	o.RegisterStrategy(chainStrategy("pipeline", 1, []string{"compute"}))
	require.NoError(t, o.RegisterAgent(context.Background(), &types.AgentDescriptor{
		ID: "silent", Tags: []string{"compute"}, Capacity: 1,
	}))

	require.NoError(t, o.SubmitGoal(context.Background(), &types.Goal{ID: "g1", Strategy: "pipeline"}))

	// Wait until g1's task holds the single in-flight slot.
	require.Eventually(t, func() bool {
		r, err := o.GetResult(context.Background(), "g1")
		return err == nil && len(r.Outputs) == 1 && r.Outputs[0].State == types.TaskDispatched
	}, 2*time.Second, 5*time.Millisecond)

	err := o.SubmitGoal(context.Background(), &types.Goal{ID: "g2", Strategy: "pipeline"})
	require.True(t, types.IsCode(err, types.ErrQueueFull))
	require.True(t, types.IsRetryable(err))
}

func TestWatch_RacingCompletionDeliversExactlyOnce(t *testing.T) {
	o := newOrchestrator(t, nil)
	runEchoAgent(t, o, "worker-1", []string{"compute"})
	// Goals run concurrently, so each node id is derived from its goal.
	o.RegisterStrategy(taskgraph.StrategyFunc{
		StrategyName: "pipeline",
		Fn: func(ctx context.Context, goal *types.Goal) ([]taskgraph.NodeSpec, error) {
			return []taskgraph.NodeSpec{{
				ID:          goal.ID + "-task",
				Requirement: types.CapabilityRequirement{RequiredTags: []string{"compute"}},
			}}, nil
		},
	})

	// Each watch is registered from its own goroutine while the goal is
	// completing, so registration races the terminal drain.
	const goals = 25
	counts := make([]int32, goals)
	errs := make(chan error, goals)
	var wg sync.WaitGroup
	for i := 0; i < goals; i++ {
		id := fmt.Sprintf("g%d", i)
		require.NoError(t, o.SubmitGoal(context.Background(), &types.Goal{ID: id, Strategy: "pipeline"}))

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs <- o.Watch(context.Background(), id, func(r *types.GoalResult) {
				atomic.AddInt32(&counts[i], 1)
			})
		}(i, id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for i := range counts {
			if atomic.LoadInt32(&counts[i]) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond, "every watcher must see its result")

	// No duplicate deliveries and no orphaned registrations.
	time.Sleep(50 * time.Millisecond)
	for i := range counts {
		require.EqualValues(t, 1, atomic.LoadInt32(&counts[i]), "goal g%d", i)
	}
	o.mu.Lock()
	leaked := len(o.watches)
	o.mu.Unlock()
	require.Zero(t, leaked, "watch registrations must not outlive their goals")
}
