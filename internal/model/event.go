package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ChainEventType 合约事件类型
type ChainEventType string

const (
	ChainEventTypeBetOpened ChainEventType = "BetOpened"
	ChainEventTypeBetJoined ChainEventType = "BetJoined"
	ChainEventTypeBetClosed ChainEventType = "BetClosed"
)

// Order 同一 bet 的因果顺序: Opened < Joined < Closed
func (t ChainEventType) Order() int {
	switch t {
	case ChainEventTypeBetOpened:
		return 0
	case ChainEventTypeBetJoined:
		return 1
	case ChainEventTypeBetClosed:
		return 2
	default:
		return 3
	}
}

// AgreementEvent 解码后的合约事件 (同时作为 Kafka 消息格式)
type AgreementEvent struct {
	Type  ChainEventType `json:"type"`
	BetID int64          `json:"bet_id"`

	// BetOpened
	Initiator      string          `json:"initiator,omitempty"`
	Side           Side            `json:"side"`
	Amount         decimal.Decimal `json:"amount"`
	ExpirationTime int64           `json:"expiration_time,omitempty"`
	ClosingTime    int64           `json:"closing_time,omitempty"`

	// BetJoined
	Counterparty string `json:"counterparty,omitempty"`

	// BetClosed
	Winner string `json:"winner,omitempty"`

	// 链上位置
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
	Removed     bool   `json:"removed,omitempty"`
}

// Before 按链上位置比较
func (e *AgreementEvent) Before(other *AgreementEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// Key 事件唯一键
func (e *AgreementEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// ToAgreement 由 BetOpened 事件构造镜像记录
func (e *AgreementEvent) ToAgreement() *Agreement {
	return &Agreement{
		BetID:          e.BetID,
		IsActive:       false,
		Side:           e.Side,
		Amount:         e.Amount,
		Initiator:      e.Initiator,
		ExpirationTime: e.ExpirationTime,
		ClosingTime:    e.ClosingTime,
		OpenedBlock:    int64(e.BlockNumber),
		OpenedTxHash:   e.TxHash,
	}
}

// ChainEvent 已应用的链上事件 (审计 + 去重)
// 与对应的镜像变更在同一事务中写入
type ChainEvent struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64          `gorm:"column:chain_id;type:bigint;not null" json:"chain_id"`
	BetID       int64          `gorm:"column:bet_id;type:bigint;index;not null" json:"bet_id"`
	EventType   ChainEventType `gorm:"column:event_type;type:varchar(32);index;not null" json:"event_type"`
	BlockNumber int64          `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	BlockHash   string         `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	TxHash      string         `gorm:"column:tx_hash;type:varchar(66);not null;uniqueIndex:uk_chain_event_log" json:"tx_hash"`
	LogIndex    int            `gorm:"column:log_index;type:int;not null;uniqueIndex:uk_chain_event_log" json:"log_index"`
	EventData   string         `gorm:"column:event_data;type:text;not null" json:"event_data"` // JSON
	CreatedAt   int64          `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ChainEvent) TableName() string {
	return "futures_chain_events"
}

// NewChainEvent 由解码事件构造日志记录
func NewChainEvent(chainID int64, e *AgreementEvent) *ChainEvent {
	data, _ := json.Marshal(e)
	return &ChainEvent{
		ChainID:     chainID,
		BetID:       e.BetID,
		EventType:   e.Type,
		BlockNumber: int64(e.BlockNumber),
		BlockHash:   e.BlockHash,
		TxHash:      e.TxHash,
		LogIndex:    int(e.LogIndex),
		EventData:   string(data),
	}
}
