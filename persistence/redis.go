package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/types"
)

const (
	resultKeyPrefix = "orchestrator:result:"
	resultIndexKey  = "orchestrator:results"
)

// RedisStore archives results as JSON values, indexed by completion time in a
// sorted set so listing stays cheap.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger = logger.With(zap.String("component", "persistence"))
	logger.Info("redis archive initialized", zap.String("addr", config.Addr))
	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

// SaveResult implements Store.
func (s *RedisStore) SaveResult(ctx context.Context, result *types.GoalResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for goal %s: %w", result.GoalID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKeyPrefix+result.GoalID, data, s.ttl)
	pipe.ZAdd(ctx, resultIndexKey, redis.Z{
		Score:  float64(result.CompletedAt.UnixNano()),
		Member: result.GoalID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive result for goal %s: %w", result.GoalID, err)
	}
	return nil
}

// GetResult implements Store.
func (s *RedisStore) GetResult(ctx context.Context, goalID string) (*types.GoalResult, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+goalID).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrGoalNotFound, "no archived result").WithGoal(goalID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch result for goal %s: %w", goalID, err)
	}

	var result types.GoalResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode result for goal %s: %w", goalID, err)
	}
	return &result, nil
}

// ListResults implements Store.
func (s *RedisStore) ListResults(ctx context.Context, limit int) ([]*types.GoalResult, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, resultIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list archived results: %w", err)
	}

	out := make([]*types.GoalResult, 0, len(ids))
	for _, id := range ids {
		result, err := s.GetResult(ctx, id)
		if err != nil {
			// Expired value still indexed; skip it.
			if types.IsCode(err, types.ErrGoalNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
