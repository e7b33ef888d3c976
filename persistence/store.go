// Package persistence archives terminal goal results. Once a goal's result is
// archived the live graph can be dropped from memory; later GetResult calls
// are served from the archive. Three backends are provided: an in-process
// map, Redis, and SQLite through GORM.
package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// Backend names accepted by the factory.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Store is the goal-result archive.
type Store interface {
	// SaveResult archives a terminal goal result, overwriting any previous
	// entry for the same goal.
	SaveResult(ctx context.Context, result *types.GoalResult) error

	// GetResult returns the archived result, or GoalNotFound.
	GetResult(ctx context.Context, goalID string) (*types.GoalResult, error)

	// ListResults returns up to limit archived results, most recent first.
	ListResults(ctx context.Context, limit int) ([]*types.GoalResult, error)

	// Close releases backend resources.
	Close() error
}

// Config selects and configures the archive backend.
type Config struct {
	// Backend is one of memory, redis, sqlite.
	Backend string `yaml:"backend" json:"backend"`

	// ResultTTL expires archived results where the backend supports it.
	// 0 keeps them forever.
	ResultTTL time.Duration `yaml:"result_ttl" json:"result_ttl"`

	Redis  RedisConfig  `yaml:"redis" json:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
}

// RedisConfig holds the Redis backend settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" json:"addr"`
	Password     string `yaml:"password" json:"password"`
	DB           int    `yaml:"db" json:"db"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// SQLiteConfig holds the SQLite backend settings.
type SQLiteConfig struct {
	// DSN is the database path, or ":memory:" for an in-process database.
	DSN string `yaml:"dsn" json:"dsn"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendMemory,
		ResultTTL: 0,
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		SQLite: SQLiteConfig{DSN: "orchestrator.db"},
	}
}

// NewStore creates the archive backend named by the config.
func NewStore(config Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.Backend {
	case "", BackendMemory:
		return NewMemoryStore(logger), nil
	case BackendRedis:
		return NewRedisStore(config.Redis, config.ResultTTL, logger)
	case BackendSQLite:
		return NewSQLiteStore(config.SQLite, logger)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", config.Backend)
	}
}
