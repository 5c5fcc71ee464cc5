package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-futures/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRepository 监听断点仓储接口
type CheckpointRepository interface {
	Get(ctx context.Context, chainID int64, contractAddress string) (*model.ListenerCheckpoint, error)
	Save(ctx context.Context, chainID int64, contractAddress string, blockNumber int64) error
}

// checkpointRepository 监听断点仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建监听断点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) Get(ctx context.Context, chainID int64, contractAddress string) (*model.ListenerCheckpoint, error) {
	var checkpoint model.ListenerCheckpoint
	err := r.DB(ctx).
		Where("chain_id = ? AND contract_address = ?", chainID, contractAddress).
		First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Save(ctx context.Context, chainID int64, contractAddress string, blockNumber int64) error {
	now := time.Now().UnixMilli()
	checkpoint := &model.ListenerCheckpoint{
		ChainID:         chainID,
		ContractAddress: contractAddress,
		BlockNumber:     blockNumber,
		ProcessedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}, {Name: "contract_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "processed_at", "updated_at"}),
	}).Create(checkpoint).Error
}
