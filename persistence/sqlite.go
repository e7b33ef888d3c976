package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// goalResultRecord is the archive row. The full result is stored as JSON;
// the indexed columns exist for listing and filtering.
type goalResultRecord struct {
	GoalID      string `gorm:"primaryKey;column:goal_id"`
	State       string `gorm:"column:state;index"`
	Document    []byte `gorm:"column:document"`
	CompletedAt int64  `gorm:"column:completed_at;index"`
}

func (goalResultRecord) TableName() string { return "goal_results" }

// SQLiteStore archives results in a SQLite database through GORM.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore opens the database and migrates the archive table.
func NewSQLiteStore(config SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := config.DSN
	if dsn == "" {
		dsn = DefaultConfig().SQLite.DSN
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	if err := db.AutoMigrate(&goalResultRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite archive: %w", err)
	}

	logger = logger.With(zap.String("component", "persistence"))
	logger.Info("sqlite archive initialized", zap.String("dsn", dsn))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// SaveResult implements Store.
func (s *SQLiteStore) SaveResult(ctx context.Context, result *types.GoalResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for goal %s: %w", result.GoalID, err)
	}

	record := goalResultRecord{
		GoalID:      result.GoalID,
		State:       string(result.State),
		Document:    data,
		CompletedAt: result.CompletedAt.UnixNano(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "goal_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("archive result for goal %s: %w", result.GoalID, err)
	}
	return nil
}

// GetResult implements Store.
func (s *SQLiteStore) GetResult(ctx context.Context, goalID string) (*types.GoalResult, error) {
	var record goalResultRecord
	err := s.db.WithContext(ctx).First(&record, "goal_id = ?", goalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrGoalNotFound, "no archived result").WithGoal(goalID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch result for goal %s: %w", goalID, err)
	}

	var result types.GoalResult
	if err := json.Unmarshal(record.Document, &result); err != nil {
		return nil, fmt.Errorf("decode result for goal %s: %w", goalID, err)
	}
	return &result, nil
}

// ListResults implements Store.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]*types.GoalResult, error) {
	query := s.db.WithContext(ctx).Order("completed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []goalResultRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list archived results: %w", err)
	}

	out := make([]*types.GoalResult, 0, len(records))
	for _, record := range records {
		var result types.GoalResult
		if err := json.Unmarshal(record.Document, &result); err != nil {
			return nil, fmt.Errorf("decode result for goal %s: %w", record.GoalID, err)
		}
		out = append(out, &result)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
