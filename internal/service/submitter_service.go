package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-futures/internal/blockchain"
	"github.com/eidos-exchange/eidos-futures/internal/contract"
	"github.com/eidos-exchange/eidos-futures/internal/metrics"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

// SettleOutcome 单次结算结果 (同时作为指标标签)
type SettleOutcome string

const (
	// OutcomeConfirmed closeBet 已上链成功，BetClosed 事件稍后由监听器写库
	OutcomeConfirmed SettleOutcome = "confirmed"
	// OutcomeRejected 合约拒绝 (已结算、未加入等)，本次终止，不视为错误
	OutcomeRejected SettleOutcome = "rejected"
	// OutcomePending 交易已发出但未确认，下次扫描复查
	OutcomePending SettleOutcome = "pending"
	// OutcomeTransient 网络等临时错误，下次扫描重试
	OutcomeTransient SettleOutcome = "transient"
)

// SettleResult 结算结果
type SettleResult struct {
	BetID       int64
	Outcome     SettleOutcome
	TxHash      string
	Reason      string // 合约拒绝原因
	Err         error  // 临时错误
	BlockNumber uint64
	GasUsed     uint64
}

// SettlementChain 提交结算所需的链上能力
type SettlementChain interface {
	Address() common.Address
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// GasQuoter gas 估算
type GasQuoter interface {
	Estimate(ctx context.Context, msg ethereum.CallMsg) (*contract.GasEstimate, error)
}

// SubmitterServiceConfig 配置
type SubmitterServiceConfig struct {
	ConfirmTimeout      time.Duration // 单次等待回执的上限
	ReceiptPollInterval time.Duration
	InflightTTL         time.Duration // 超过该时长仍未确认的交易放弃跟踪，允许重新提交
}

// inflightTx 已发出未确认的交易
type inflightTx struct {
	hash        common.Hash
	nonce       uint64
	submittedAt time.Time
}

// SubmitterService 结算提交服务
// 只发起 closeBet，不写镜像，winner 由监听器根据 BetClosed 写入
type SubmitterService struct {
	chain   SettlementChain
	gas     GasQuoter
	futures *contract.FuturesContract
	cfg     SubmitterServiceConfig

	// 串行化 nonce 获取与发送
	sendMu sync.Mutex

	mu       sync.Mutex
	inflight map[int64]*inflightTx
}

// NewSubmitterService 创建结算提交服务
func NewSubmitterService(
	chain SettlementChain,
	gas GasQuoter,
	futures *contract.FuturesContract,
	cfg *SubmitterServiceConfig,
) *SubmitterService {
	c := *cfg
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.ReceiptPollInterval == 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
	if c.InflightTTL == 0 {
		c.InflightTTL = 10 * time.Minute
	}

	return &SubmitterService{
		chain:    chain,
		gas:      gas,
		futures:  futures,
		cfg:      c,
		inflight: make(map[int64]*inflightTx),
	}
}

// Inflight 已发出未确认的交易数
func (s *SubmitterService) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Settle 对一个 bet 发起 closeBet 并等待回执
// 结果只通过返回值报告，任何情况下都不修改本地存储
func (s *SubmitterService) Settle(ctx context.Context, betID int64) *SettleResult {
	start := time.Now()
	result := s.settle(ctx, betID)

	metrics.RecordSettlement(string(result.Outcome), time.Since(start).Seconds(), result.GasUsed)
	s.logResult(ctx, result)
	return result
}

func (s *SubmitterService) settle(ctx context.Context, betID int64) *SettleResult {
	if tracked := s.tracked(betID); tracked != nil {
		if time.Since(tracked.submittedAt) < s.cfg.InflightTTL {
			return s.recheck(ctx, betID, tracked)
		}
		// 长时间未上链 (可能被替换或丢弃)，重新提交
		s.untrack(betID)
		logger.Warn("inflight settlement expired, resubmitting",
			zap.Int64("bet_id", betID),
			zap.String("tx_hash", tracked.hash.Hex()),
			zap.Uint64("nonce", tracked.nonce))
	}

	data, err := s.futures.PackCloseBet(betID)
	if err != nil {
		return &SettleResult{BetID: betID, Outcome: OutcomeRejected, Reason: err.Error()}
	}

	to := s.futures.Address()
	estimate, err := s.gas.Estimate(ctx, ethereum.CallMsg{
		From: s.chain.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		// eth_estimateGas 执行失败即合约会拒绝
		if reason, ok := contract.RevertReason(err); ok {
			return &SettleResult{BetID: betID, Outcome: OutcomeRejected, Reason: reason}
		}
		return transient(betID, fmt.Errorf("estimate gas: %w", err))
	}
	metrics.GasPriceGauge.Set(weiToGwei(estimate.GasPrice))

	hash, err := s.send(ctx, betID, data, estimate)
	if err != nil {
		if reason, ok := contract.RevertReason(err); ok {
			return &SettleResult{BetID: betID, Outcome: OutcomeRejected, Reason: reason}
		}
		return transient(betID, err)
	}

	return s.waitReceipt(ctx, betID, hash)
}

// send 构建、签名并发送 closeBet 交易
func (s *SubmitterService) send(ctx context.Context, betID int64, data []byte, estimate *contract.GasEstimate) (common.Hash, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	from := s.chain.Address()
	nonce, err := s.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, s.futures.Address(), big.NewInt(0), estimate.GasLimit, estimate.GasPrice, data)
	signed, err := s.chain.SignTransaction(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	s.track(betID, &inflightTx{hash: signed.Hash(), nonce: nonce, submittedAt: time.Now()})

	logger.Info("settlement transaction submitted",
		zap.Int64("bet_id", betID),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", estimate.GasLimit),
		zap.String("gas_price", estimate.GasPrice.String()))

	return signed.Hash(), nil
}

// waitReceipt 轮询回执直到确认、超时或 ctx 取消
func (s *SubmitterService) waitReceipt(ctx context.Context, betID int64, hash common.Hash) *SettleResult {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.chain.TransactionReceipt(waitCtx, hash)
		if err == nil {
			s.untrack(betID)
			return receiptResult(betID, receipt)
		}
		if !errors.Is(err, blockchain.ErrTxNotFound) && waitCtx.Err() == nil {
			logger.Debug("receipt query failed",
				zap.Int64("bet_id", betID),
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			// 保留跟踪，下次扫描复查回执
			return &SettleResult{BetID: betID, Outcome: OutcomePending, TxHash: hash.Hex()}
		case <-ticker.C:
		}
	}
}

// recheck 复查已发出交易的回执，不重复提交
func (s *SubmitterService) recheck(ctx context.Context, betID int64, tracked *inflightTx) *SettleResult {
	receipt, err := s.chain.TransactionReceipt(ctx, tracked.hash)
	if errors.Is(err, blockchain.ErrTxNotFound) {
		return &SettleResult{BetID: betID, Outcome: OutcomePending, TxHash: tracked.hash.Hex()}
	}
	if err != nil {
		result := transient(betID, fmt.Errorf("receipt: %w", err))
		result.TxHash = tracked.hash.Hex()
		return result
	}
	s.untrack(betID)
	return receiptResult(betID, receipt)
}

func (s *SubmitterService) tracked(betID int64) *inflightTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[betID]
}

func (s *SubmitterService) track(betID int64, tx *inflightTx) {
	s.mu.Lock()
	s.inflight[betID] = tx
	n := len(s.inflight)
	s.mu.Unlock()
	metrics.InflightGauge.Set(float64(n))
}

func (s *SubmitterService) untrack(betID int64) {
	s.mu.Lock()
	delete(s.inflight, betID)
	n := len(s.inflight)
	s.mu.Unlock()
	metrics.InflightGauge.Set(float64(n))
}

func (s *SubmitterService) logResult(ctx context.Context, r *SettleResult) {
	log := logger.WithContext(ctx)
	fields := []zap.Field{
		zap.Int64("bet_id", r.BetID),
		zap.String("outcome", string(r.Outcome)),
	}
	if r.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", r.TxHash))
	}

	switch r.Outcome {
	case OutcomeConfirmed:
		log.Info("settlement confirmed", append(fields,
			zap.Uint64("block", r.BlockNumber),
			zap.Uint64("gas_used", r.GasUsed))...)
	case OutcomeRejected:
		log.Info("settlement rejected by contract", append(fields, zap.String("reason", r.Reason))...)
	case OutcomePending:
		log.Info("settlement still pending", fields...)
	case OutcomeTransient:
		log.Warn("settlement failed, will retry next scan", append(fields, zap.Error(r.Err))...)
	}
}

func receiptResult(betID int64, receipt *types.Receipt) *SettleResult {
	result := &SettleResult{
		BetID:   betID,
		TxHash:  receipt.TxHash.Hex(),
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		result.Outcome = OutcomeConfirmed
	} else {
		result.Outcome = OutcomeRejected
		result.Reason = "transaction reverted"
	}
	return result
}

func transient(betID int64, err error) *SettleResult {
	return &SettleResult{BetID: betID, Outcome: OutcomeTransient, Err: err}
}

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}
