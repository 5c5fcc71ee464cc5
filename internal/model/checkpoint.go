package model

// ListenerCheckpoint 事件监听断点
// BlockNumber 为重启后重新读取的起始区块 (包含)，宁可重复处理也不漏事件
type ListenerCheckpoint struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID         int64  `gorm:"column:chain_id;type:bigint;not null;uniqueIndex:uk_listener_checkpoint" json:"chain_id"`
	ContractAddress string `gorm:"column:contract_address;type:varchar(42);not null;uniqueIndex:uk_listener_checkpoint" json:"contract_address"`
	BlockNumber     int64  `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	ProcessedAt     int64  `gorm:"column:processed_at;type:bigint;not null" json:"processed_at"`
	CreatedAt       int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ListenerCheckpoint) TableName() string {
	return "futures_listener_checkpoints"
}
