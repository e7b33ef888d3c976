package persistence

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// MemoryStore keeps archived results in a process-local map. It is the
// default backend and the one tests lean on.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*types.GoalResult
	logger  *zap.Logger
}

// NewMemoryStore creates an in-memory archive.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		results: make(map[string]*types.GoalResult),
		logger:  logger.With(zap.String("component", "persistence")),
	}
}

// SaveResult implements Store.
func (s *MemoryStore) SaveResult(ctx context.Context, result *types.GoalResult) error {
	cp := *result
	cp.Outputs = append([]types.NodeOutput(nil), result.Outputs...)
	cp.Diagnostics = append([]string(nil), result.Diagnostics...)

	s.mu.Lock()
	s.results[result.GoalID] = &cp
	s.mu.Unlock()
	return nil
}

// GetResult implements Store.
func (s *MemoryStore) GetResult(ctx context.Context, goalID string) (*types.GoalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[goalID]
	if !ok {
		return nil, types.NewError(types.ErrGoalNotFound, "no archived result").WithGoal(goalID)
	}
	cp := *result
	return &cp, nil
}

// ListResults implements Store.
func (s *MemoryStore) ListResults(ctx context.Context, limit int) ([]*types.GoalResult, error) {
	s.mu.RLock()
	out := make([]*types.GoalResult, 0, len(s.results))
	for _, result := range s.results {
		cp := *result
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
