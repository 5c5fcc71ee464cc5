package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-futures/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDuplicateKey     = errors.New("agreement already exists")
	ErrUnknownAgreement = errors.New("unknown agreement")
)

// AgreementRepository 镜像记录仓储
// 所有写操作都是单条记录上的原子操作，记录之间互不依赖
type AgreementRepository interface {
	// UpsertOpened 插入新记录，bet_id 已存在时返回 ErrDuplicateKey
	UpsertOpened(ctx context.Context, agreement *model.Agreement) error
	// ApplyJoined 设置对手方并激活，返回是否发生变更
	ApplyJoined(ctx context.Context, betID int64, counterparty string) (bool, error)
	// ApplyClosed 设置赢家并关闭，重复应用不报错也不改变状态
	ApplyClosed(ctx context.Context, betID int64, winner string) (bool, error)
	// ListSettleable 列出未结算且已到 closing_time 的记录，closing_time 升序
	ListSettleable(ctx context.Context, now int64, limit int) ([]*model.Agreement, error)
	GetByID(ctx context.Context, betID int64) (*model.Agreement, error)
}

// agreementRepository 镜像记录仓储实现
type agreementRepository struct {
	*Repository
}

// NewAgreementRepository 创建镜像记录仓储
func NewAgreementRepository(db *gorm.DB) AgreementRepository {
	return &agreementRepository{
		Repository: NewRepository(db),
	}
}

func (r *agreementRepository) UpsertOpened(ctx context.Context, agreement *model.Agreement) error {
	now := time.Now().UnixMilli()
	agreement.CreatedAt = now
	agreement.UpdatedAt = now

	// ON CONFLICT DO NOTHING: 重复插入不会中止外层 postgres 事务
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bet_id"}},
		DoNothing: true,
	}).Create(agreement)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return ErrDuplicateKey
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (r *agreementRepository) ApplyJoined(ctx context.Context, betID int64, counterparty string) (bool, error) {
	now := time.Now().UnixMilli()
	// counterparty 与 is_active 同时写入
	result := r.DB(ctx).Model(&model.Agreement{}).
		Where("bet_id = ? AND winner IS NULL AND counterparty IS NULL", betID).
		Updates(map[string]interface{}{
			"counterparty": counterparty,
			"is_active":    true,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 合约不允许加入已结算的 bet，Joined 晚于 Closed 到达说明投递乱序
	// 补写对手方，is_active 保持 false
	result = r.DB(ctx).Model(&model.Agreement{}).
		Where("bet_id = ? AND winner IS NOT NULL AND counterparty IS NULL", betID).
		Updates(map[string]interface{}{
			"counterparty": counterparty,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, r.mustExist(ctx, betID)
}

func (r *agreementRepository) ApplyClosed(ctx context.Context, betID int64, winner string) (bool, error) {
	now := time.Now().UnixMilli()
	// winner 只写一次
	result := r.DB(ctx).Model(&model.Agreement{}).
		Where("bet_id = ? AND winner IS NULL", betID).
		Updates(map[string]interface{}{
			"winner":     winner,
			"is_active":  false,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, r.mustExist(ctx, betID)
}

func (r *agreementRepository) ListSettleable(ctx context.Context, now int64, limit int) ([]*model.Agreement, error) {
	var agreements []*model.Agreement
	query := r.DB(ctx).
		Where("winner IS NULL AND closing_time <= ?", now).
		Order("closing_time ASC, bet_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&agreements).Error
	return agreements, err
}

func (r *agreementRepository) GetByID(ctx context.Context, betID int64) (*model.Agreement, error) {
	var agreement model.Agreement
	err := r.DB(ctx).Where("bet_id = ?", betID).First(&agreement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownAgreement
	}
	if err != nil {
		return nil, err
	}
	return &agreement, nil
}

// mustExist 条件更新未命中时区分 "已应用" 与 "记录不存在"
func (r *agreementRepository) mustExist(ctx context.Context, betID int64) error {
	var count int64
	if err := r.DB(ctx).Model(&model.Agreement{}).Where("bet_id = ?", betID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUnknownAgreement
	}
	return nil
}
