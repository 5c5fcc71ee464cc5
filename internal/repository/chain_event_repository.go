package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-futures/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrEventNotFound = errors.New("event not found")

// ChainEventRepository 已应用事件日志仓储
type ChainEventRepository interface {
	// Create 写入事件日志，(tx_hash, log_index) 已存在时返回 false
	Create(ctx context.Context, event *model.ChainEvent) (bool, error)
	GetByTxHashAndLogIndex(ctx context.Context, txHash string, logIndex int) (*model.ChainEvent, error)
	ListByBetID(ctx context.Context, betID int64) ([]*model.ChainEvent, error)
}

type chainEventRepository struct {
	*Repository
}

// NewChainEventRepository 创建事件日志仓储
func NewChainEventRepository(db *gorm.DB) ChainEventRepository {
	return &chainEventRepository{
		Repository: NewRepository(db),
	}
}

func (r *chainEventRepository) Create(ctx context.Context, event *model.ChainEvent) (bool, error) {
	event.CreatedAt = time.Now().UnixMilli()

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *chainEventRepository) GetByTxHashAndLogIndex(ctx context.Context, txHash string, logIndex int) (*model.ChainEvent, error) {
	var event model.ChainEvent
	err := r.DB(ctx).
		Where("tx_hash = ? AND log_index = ?", txHash, logIndex).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *chainEventRepository) ListByBetID(ctx context.Context, betID int64) ([]*model.ChainEvent, error) {
	var events []*model.ChainEvent
	err := r.DB(ctx).
		Where("bet_id = ?", betID).
		Order("block_number ASC, log_index ASC").
		Find(&events).Error
	return events, err
}
