package model

import "github.com/shopspring/decimal"

// Side 下注方向 (与合约 uint8 枚举一致)
type Side uint8

const (
	SideLong  Side = 0
	SideShort Side = 1
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Agreement 链上对赌合约的本地镜像
// 只由 BetOpened 创建，由 BetJoined / BetClosed 更新，永不删除
type Agreement struct {
	BetID          int64           `gorm:"column:bet_id;primaryKey;autoIncrement:false" json:"bet_id"`
	IsActive       bool            `gorm:"column:is_active;type:boolean;not null;default:false" json:"is_active"`
	Side           Side            `gorm:"column:side;type:smallint;not null" json:"side"`
	Amount         decimal.Decimal `gorm:"column:amount;type:varchar(78);not null" json:"amount"` // uint256 原值
	Initiator      string          `gorm:"column:initiator;type:varchar(42);index;not null" json:"initiator"`
	Counterparty   *string         `gorm:"column:counterparty;type:varchar(42)" json:"counterparty,omitempty"`
	ExpirationTime int64           `gorm:"column:expiration_time;type:bigint;not null" json:"expiration_time"`
	ClosingTime    int64           `gorm:"column:closing_time;type:bigint;index;not null" json:"closing_time"`
	Winner         *string         `gorm:"column:winner;type:varchar(42)" json:"winner,omitempty"`
	OpenedBlock    int64           `gorm:"column:opened_block;type:bigint;not null;default:0" json:"opened_block"`
	OpenedTxHash   string          `gorm:"column:opened_tx_hash;type:varchar(66)" json:"opened_tx_hash"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"` // 本地写入时间 (毫秒)
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Agreement) TableName() string {
	return "futures_agreements"
}
