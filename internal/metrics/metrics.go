// Package metrics 提供 eidos-futures 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_futures"

// 事件监听指标
var (
	// ListenerEventsTotal 监听到的合约事件
	ListenerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_events_total",
			Help:      "监听到的合约事件总数",
		},
		[]string{"event_type", "result"}, // result: applied, replay, parked, removed, failed
	)

	// ListenerParkedGauge 等待前序事件的乱序事件数
	ListenerParkedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_parked_events",
			Help:      "等待 BetOpened 的乱序事件数量",
		},
	)

	// ListenerCheckpointGauge 已保存的断点区块
	ListenerCheckpointGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_checkpoint_block",
			Help:      "监听断点区块高度",
		},
	)

	// ListenerAppliedBlockGauge 最新已应用事件所在区块
	ListenerAppliedBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_applied_block",
			Help:      "最新已应用事件所在区块",
		},
	)

	// ListenerReconnectsTotal 传输层重连次数
	ListenerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_reconnects_total",
			Help:      "日志订阅重连次数",
		},
		[]string{"mode"}, // subscribe, poll
	)
)

// 结算扫描指标
var (
	// ScansTotal 扫描次数
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "结算扫描次数",
		},
		[]string{"result"}, // completed, skipped, failed, canceled
	)

	// ScanDuration 单次扫描耗时
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "单次结算扫描耗时(秒)",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	// SettleableGauge 最近一次扫描得到的可结算数量
	SettleableGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settleable_agreements",
			Help:      "最近一次扫描的可结算记录数量",
		},
	)
)

// 结算提交指标
var (
	// SettlementsTotal 结算结果
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "结算提交结果总数",
		},
		[]string{"outcome"}, // confirmed, rejected, pending, transient
	)

	// SettlementDuration 提交到确认耗时
	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "closeBet 提交到确认耗时(秒)",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// SettlementGasUsed closeBet Gas 使用量
	SettlementGasUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_gas_used",
			Help:      "closeBet 交易 Gas 使用量",
			Buckets:   []float64{21000, 30000, 50000, 80000, 100000, 200000, 500000},
		},
	)

	// InflightGauge 已提交未确认的交易数
	InflightGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlement_inflight",
			Help:      "已提交未确认的 closeBet 交易数量",
		},
	)

	// GasPriceGauge Gas 价格
	GasPriceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gas_price_gwei",
			Help:      "当前 Gas 价格 (Gwei)",
		},
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "status"},
	)
)

// 错误指标
var (
	// ErrorsTotal 错误总数
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		},
		[]string{"component", "type"},
	)
)

// Helper functions

// RecordListenerEvent 记录监听事件
func RecordListenerEvent(eventType, result string) {
	ListenerEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordScan 记录扫描
func RecordScan(result string, durationSeconds float64, settleable int) {
	ScansTotal.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		ScanDuration.Observe(durationSeconds)
	}
	if settleable >= 0 {
		SettleableGauge.Set(float64(settleable))
	}
}

// RecordSettlement 记录结算结果
func RecordSettlement(outcome string, durationSeconds float64, gasUsed uint64) {
	SettlementsTotal.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		SettlementDuration.Observe(durationSeconds)
	}
	if gasUsed > 0 {
		SettlementGasUsed.Observe(float64(gasUsed))
	}
}

// RecordError 记录错误
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
