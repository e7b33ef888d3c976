package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/whitecloud343/multi-ai-agents/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.StallThreshold = 2
	return New(cfg, zaptest.NewLogger(t))
}

func TestRegister_DuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Tags: []string{"search"}, Capacity: 2}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Capacity: 1})
	if !types.IsCode(err, types.ErrDuplicateID) {
		t.Fatalf("expected DUPLICATE_ID, got %v", err)
	}
}

func TestQuery_EligibilityAndRanking(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(r.Register(ctx, &types.AgentDescriptor{ID: "old", Tags: []string{"search"}, Capacity: 2}))
	time.Sleep(2 * time.Millisecond)
	must(r.Register(ctx, &types.AgentDescriptor{ID: "recent", Tags: []string{"search", "summarize"}, Capacity: 2}))
	time.Sleep(2 * time.Millisecond)
	must(r.Register(ctx, &types.AgentDescriptor{ID: "loaded", Tags: []string{"search"}, Capacity: 2}))
	must(r.AcquireSlot("loaded"))

	t.Run("tag filter", func(t *testing.T) {
		got := r.Query([]string{"summarize"}, 1)
		if len(got) != 1 || got[0].ID != "recent" {
			t.Fatalf("expected only recent, got %v", ids(got))
		}
	})

	t.Run("load then recency", func(t *testing.T) {
		got := r.Query([]string{"search"}, 1)
		want := []string{"recent", "old", "loaded"}
		if len(got) != 3 {
			t.Fatalf("expected 3 candidates, got %v", ids(got))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Fatalf("rank %d: expected %s, got %v", i, id, ids(got))
			}
		}
	})

	t.Run("capacity filter", func(t *testing.T) {
		must(r.AcquireSlot("loaded"))
		got := r.Query([]string{"search"}, 1)
		if len(got) != 2 {
			t.Fatalf("full agent must be excluded, got %v", ids(got))
		}
	})

	t.Run("offline excluded but satisfiable", func(t *testing.T) {
		r.SweepLiveness(time.Now().Add(time.Hour))
		if got := r.Query([]string{"search"}, 1); len(got) != 0 {
			t.Fatalf("offline agents must be excluded, got %v", ids(got))
		}
		if !r.TagsSatisfiable([]string{"search"}) {
			t.Fatalf("requirement is structurally satisfiable")
		}
		if r.TagsSatisfiable([]string{"embed"}) {
			t.Fatalf("no agent ever advertised embed")
		}
	})
}

func TestHeartbeat_LivenessTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Capacity: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// One missed interval: Degraded.
	r.SweepLiveness(time.Now().Add(150 * time.Millisecond))
	if got := r.Status("a1"); got != types.AgentDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	// Two missed intervals: Offline.
	r.SweepLiveness(time.Now().Add(250 * time.Millisecond))
	if got := r.Status("a1"); got != types.AgentOffline {
		t.Fatalf("expected offline, got %s", got)
	}

	// Heartbeat revives.
	if err := r.Heartbeat(ctx, "a1", types.AgentIdle); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := r.Status("a1"); got != types.AgentIdle {
		t.Fatalf("expected idle after heartbeat, got %s", got)
	}

	if err := r.Heartbeat(ctx, "ghost", types.AgentIdle); !types.IsCode(err, types.ErrAgentNotFound) {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestHeartbeat_SelfReportedOfflineIsHonored(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Tags: []string{"search"}, Capacity: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// An agent announcing its own shutdown must not be revived by the same
	// heartbeat that carried the announcement.
	if err := r.Heartbeat(ctx, "a1", types.AgentOffline); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := r.Status("a1"); got != types.AgentOffline {
		t.Fatalf("expected offline, got %s", got)
	}
	if got := r.Query([]string{"search"}, 1); len(got) != 0 {
		t.Fatalf("offline agent must not be routable, got %v", ids(got))
	}

	// A later idle heartbeat brings it back.
	if err := r.Heartbeat(ctx, "a1", types.AgentIdle); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := r.Status("a1"); got != types.AgentIdle {
		t.Fatalf("expected idle after revival, got %s", got)
	}
}

func TestAcquireRelease_CapacityBounds(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Capacity: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.AcquireSlot("a1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if got := r.Status("a1"); got != types.AgentBusy {
		t.Fatalf("expected busy with one lease, got %s", got)
	}
	if err := r.AcquireSlot("a1"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := r.AcquireSlot("a1"); !types.IsCode(err, types.ErrAgentUnavailable) {
		t.Fatalf("expected AGENT_UNAVAILABLE at capacity, got %v", err)
	}

	r.ReleaseSlot("a1")
	r.ReleaseSlot("a1")
	if got := r.Status("a1"); got != types.AgentIdle {
		t.Fatalf("expected idle after releases, got %s", got)
	}
	// Releasing below zero must not underflow.
	r.ReleaseSlot("a1")
	if err := r.AcquireSlot("a1"); err != nil {
		t.Fatalf("acquire after spurious release: %v", err)
	}
}

func TestDeregister_ForceInvalidatesLeases(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	invalidated := make(chan string, 1)
	r.SetInvalidator(func(agentID string) { invalidated <- agentID })

	if err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Capacity: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.AcquireSlot("a1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := r.Deregister(ctx, "a1", false); !types.IsCode(err, types.ErrActiveLeaseExists) {
		t.Fatalf("expected ACTIVE_LEASE_EXISTS, got %v", err)
	}
	if err := r.Deregister(ctx, "a1", true); err != nil {
		t.Fatalf("forced deregister: %v", err)
	}

	select {
	case id := <-invalidated:
		if id != "a1" {
			t.Fatalf("invalidated wrong agent: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("invalidator was not called")
	}

	if _, ok := r.Get("a1"); ok {
		t.Fatalf("agent should be gone")
	}
}

func TestRecordStall_DegradesAtThreshold(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, &types.AgentDescriptor{ID: "a1", Capacity: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.RecordStall("a1")
	if got := r.Status("a1"); got != types.AgentIdle {
		t.Fatalf("one stall must not degrade, got %s", got)
	}
	r.RecordStall("a1")
	if got := r.Status("a1"); got != types.AgentDegraded {
		t.Fatalf("expected degraded at threshold, got %s", got)
	}
	if got := r.Query(nil, 1); len(got) != 0 {
		t.Fatalf("degraded agent must be excluded from queries, got %v", ids(got))
	}
}

func ids(agents []*types.AgentDescriptor) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}
