package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-futures/internal/contract"
	"github.com/eidos-exchange/eidos-futures/internal/metrics"
	"github.com/eidos-exchange/eidos-futures/internal/model"
	"github.com/eidos-exchange/eidos-futures/internal/repository"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

var (
	ErrListenerAlreadyRunning = errors.New("listener already running")
	ErrSubscriptionClosed     = errors.New("log subscription closed")

	// errReplay 事件已应用，回滚本次事务
	errReplay = errors.New("event already applied")
)

// 事件处理结果 (同时作为指标标签)
const (
	resultApplied = "applied"
	resultReplay  = "replay"
	resultNoop    = "noop"
	resultParked  = "parked"
	resultRemoved = "removed"
	resultFailed  = "failed"
)

// LogSource 日志传输层
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// ConsistencyError 乱序事件在重试耗尽后仍找不到对应的 BetOpened
type ConsistencyError struct {
	BetID       int64
	EventType   model.ChainEventType
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Attempts    int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s for bet %d (block %d, tx %s, log %d) still unknown after %d attempts",
		e.EventType, e.BetID, e.BlockNumber, e.TxHash, e.LogIndex, e.Attempts)
}

func (e *ConsistencyError) Unwrap() error {
	return repository.ErrUnknownAgreement
}

// ListenerServiceConfig 配置
type ListenerServiceConfig struct {
	ChainID            int64
	StartBlock         uint64 // 无断点时的起始区块
	MaxBlockRange      uint64 // 单次 eth_getLogs 的区块跨度
	PollInterval       time.Duration
	Confirmations      uint64 // 轮询模式下落后链头的区块数
	BufferSize         int
	CheckpointInterval time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	MaxRetryAttempts   int
	ReconnectDelay     time.Duration
	ReconnectMaxDelay  time.Duration
}

// streamItem 传输层到应用循环的消息
// progress > 0 表示 progress 及之前区块的日志已全部送出
type streamItem struct {
	log      *types.Log
	progress uint64
}

// parkedEvent 等待 BetOpened 的事件
type parkedEvent struct {
	event       *model.AgreementEvent
	attempts    int
	nextAttempt time.Time
}

// ListenerService 合约事件监听服务
// 传输层协程写 channel，单个应用协程按顺序写库
type ListenerService struct {
	source         LogSource
	futures        *contract.FuturesContract
	txManager      repository.TxManager
	agreementRepo  repository.AgreementRepository
	eventRepo      repository.ChainEventRepository
	checkpointRepo repository.CheckpointRepository
	cfg            ListenerServiceConfig

	onEventApplied func(ctx context.Context, event *model.AgreementEvent) error

	running atomic.Bool

	// 以下字段只由应用协程访问
	parked       map[int64][]*parkedEvent
	handledBlock uint64
	lastSaved    uint64
	hasSaved     bool

	// 对外只读状态
	checkpointBlock atomic.Uint64
	appliedBlock    atomic.Uint64
	parkedCount     atomic.Int64
}

// NewListenerService 创建监听服务
func NewListenerService(
	source LogSource,
	futures *contract.FuturesContract,
	txManager repository.TxManager,
	agreementRepo repository.AgreementRepository,
	eventRepo repository.ChainEventRepository,
	checkpointRepo repository.CheckpointRepository,
	cfg *ListenerServiceConfig,
) *ListenerService {
	c := *cfg
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 10
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}

	return &ListenerService{
		source:         source,
		futures:        futures,
		txManager:      txManager,
		agreementRepo:  agreementRepo,
		eventRepo:      eventRepo,
		checkpointRepo: checkpointRepo,
		cfg:            c,
		parked:         make(map[int64][]*parkedEvent),
	}
}

// SetOnEventApplied 设置事件应用成功后的回调
func (s *ListenerService) SetOnEventApplied(fn func(ctx context.Context, event *model.AgreementEvent) error) {
	s.onEventApplied = fn
}

// ListenerStatus 监听器状态
type ListenerStatus struct {
	ChainID         int64  `json:"chain_id"`
	Running         bool   `json:"running"`
	CheckpointBlock uint64 `json:"checkpoint_block"`
	AppliedBlock    uint64 `json:"applied_block"`
	ParkedEvents    int64  `json:"parked_events"`
}

// Status 获取监听器状态
func (s *ListenerService) Status() ListenerStatus {
	return ListenerStatus{
		ChainID:         s.cfg.ChainID,
		Running:         s.running.Load(),
		CheckpointBlock: s.checkpointBlock.Load(),
		AppliedBlock:    s.appliedBlock.Load(),
		ParkedEvents:    s.parkedCount.Load(),
	}
}

// Run 运行监听直到 ctx 取消或出现一致性错误
// 正常退出返回 nil，退出前保存断点
func (s *ListenerService) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrListenerAlreadyRunning
	}
	defer s.running.Store(false)

	start, err := s.resumeBlock(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	s.handledBlock = start
	s.checkpointBlock.Store(start)

	logger.Info("listener starting",
		zap.Int64("chain_id", s.cfg.ChainID),
		zap.String("contract", s.futures.Address().Hex()),
		zap.Uint64("start_block", start))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan streamItem, s.cfg.BufferSize)
	transportDone := make(chan struct{})
	go func() {
		defer close(transportDone)
		s.runTransport(runCtx, start, items)
	}()

	err = s.applyLoop(runCtx, items)
	cancel()
	<-transportDone

	// ctx 已取消，使用独立超时保存最终断点
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	s.saveCheckpoint(saveCtx)

	if err != nil {
		logger.Error("listener stopped with error", zap.Error(err))
		return err
	}
	logger.Info("listener stopped", zap.Uint64("checkpoint", s.checkpointBlock.Load()))
	return nil
}

// resumeBlock 断点区块 (包含)，无断点时使用配置的起始区块
func (s *ListenerService) resumeBlock(ctx context.Context) (uint64, error) {
	checkpoint, err := s.checkpointRepo.Get(ctx, s.cfg.ChainID, s.futures.Address().Hex())
	if err == nil {
		s.lastSaved = uint64(checkpoint.BlockNumber)
		s.hasSaved = true
		return uint64(checkpoint.BlockNumber), nil
	}
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		return s.cfg.StartBlock, nil
	}
	return 0, err
}

// ========== 应用循环 ==========

func (s *ListenerService) applyLoop(ctx context.Context, items <-chan streamItem) error {
	checkpointTicker := time.NewTicker(s.cfg.CheckpointInterval)
	defer checkpointTicker.Stop()

	retryTicker := time.NewTicker(s.cfg.RetryBaseDelay)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-items:
			if item.log != nil {
				if err := s.handleLog(ctx, *item.log); err != nil {
					return filterCanceled(ctx, err)
				}
			}
			if item.progress > s.handledBlock {
				s.handledBlock = item.progress
			}
		case now := <-retryTicker.C:
			if err := s.retryParked(ctx, now); err != nil {
				return filterCanceled(ctx, err)
			}
		case <-checkpointTicker.C:
			s.saveCheckpoint(ctx)
		}
	}
}

// handleLog 解码并应用单条日志
func (s *ListenerService) handleLog(ctx context.Context, lg types.Log) error {
	event, err := s.futures.DecodeLog(lg)
	if err != nil {
		// 同地址同 topic 的日志解不开说明 ABI 不匹配，跳过并告警
		logger.Warn("skip undecodable log",
			zap.Uint64("block", lg.BlockNumber),
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Uint("log_index", lg.Index),
			zap.Error(err))
		metrics.RecordListenerEvent("unknown", resultFailed)
		s.markHandled(lg.BlockNumber)
		return nil
	}

	if event.Removed {
		// 重组撤销的日志只告警，镜像不回滚
		logger.Warn("removed log ignored",
			zap.String("event", string(event.Type)),
			zap.Int64("bet_id", event.BetID),
			zap.Uint64("block", event.BlockNumber),
			zap.String("tx_hash", event.TxHash))
		metrics.RecordListenerEvent(string(event.Type), resultRemoved)
		return nil
	}

	// 同一 bet 已有等待中的事件时直接排队，保证按链上顺序应用
	if len(s.parked[event.BetID]) > 0 && event.Type != model.ChainEventTypeBetOpened {
		s.park(event, 0)
		return nil
	}

	result, err := s.apply(ctx, event)
	if errors.Is(err, repository.ErrUnknownAgreement) {
		s.park(event, 1)
		return nil
	}
	if err != nil {
		return err
	}
	s.afterApply(ctx, event, result)

	if event.Type == model.ChainEventTypeBetOpened && len(s.parked[event.BetID]) > 0 {
		return s.drainParked(ctx, event.BetID, time.Now())
	}
	return nil
}

// apply 应用事件，存储临时错误时退避重试
// 其他存储错误 (约束、类型、表结构) 直接返回，监听器随之停止
func (s *ListenerService) apply(ctx context.Context, event *model.AgreementEvent) (string, error) {
	delay := s.cfg.RetryBaseDelay
	for {
		result, err := s.applyOnce(ctx, event)
		if err == nil || errors.Is(err, repository.ErrUnknownAgreement) {
			return result, err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !repository.IsRetryableError(err) {
			metrics.RecordError("listener", "store_fatal")
			return "", fmt.Errorf("apply %s for bet %d at block %d (tx %s, log %d): %w",
				event.Type, event.BetID, event.BlockNumber, event.TxHash, event.LogIndex, err)
		}

		logger.Warn("store write failed, retrying",
			zap.String("event", string(event.Type)),
			zap.Int64("bet_id", event.BetID),
			zap.Duration("delay", delay),
			zap.Error(err))
		metrics.RecordError("listener", "store")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay, s.cfg.RetryMaxDelay)
	}
}

// applyOnce 在一个事务中写入事件日志与镜像变更
func (s *ListenerService) applyOnce(ctx context.Context, event *model.AgreementEvent) (string, error) {
	result := resultApplied
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		created, err := s.eventRepo.Create(ctx, model.NewChainEvent(s.cfg.ChainID, event))
		if err != nil {
			return err
		}
		if !created {
			return errReplay
		}

		var changed bool
		switch event.Type {
		case model.ChainEventTypeBetOpened:
			err = s.agreementRepo.UpsertOpened(ctx, event.ToAgreement())
			if errors.Is(err, repository.ErrDuplicateKey) {
				return errReplay
			}
			changed = err == nil
		case model.ChainEventTypeBetJoined:
			changed, err = s.agreementRepo.ApplyJoined(ctx, event.BetID, event.Counterparty)
		case model.ChainEventTypeBetClosed:
			changed, err = s.agreementRepo.ApplyClosed(ctx, event.BetID, event.Winner)
		default:
			return fmt.Errorf("unsupported event type %q", event.Type)
		}
		if err != nil {
			return err
		}
		if !changed {
			// 日志保留，记录为无变更
			result = resultNoop
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		return resultReplay, nil
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

// afterApply 记录应用结果并触发回调
func (s *ListenerService) afterApply(ctx context.Context, event *model.AgreementEvent, result string) {
	s.markHandled(event.BlockNumber)
	metrics.RecordListenerEvent(string(event.Type), result)

	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.Int64("bet_id", event.BetID),
		zap.Uint64("block", event.BlockNumber),
		zap.String("tx_hash", event.TxHash),
		zap.Uint("log_index", event.LogIndex),
	}
	if result != resultApplied {
		logger.Debug("event already reflected in store", append(fields, zap.String("result", result))...)
		return
	}

	if event.BlockNumber > s.appliedBlock.Load() {
		s.appliedBlock.Store(event.BlockNumber)
		metrics.ListenerAppliedBlockGauge.Set(float64(event.BlockNumber))
	}
	logger.Info("event applied", fields...)

	if s.onEventApplied != nil {
		if err := s.onEventApplied(ctx, event); err != nil {
			logger.Error("event callback failed", append(fields, zap.Error(err))...)
			metrics.RecordError("listener", "callback")
		}
	}
}

func (s *ListenerService) markHandled(block uint64) {
	if block > s.handledBlock {
		s.handledBlock = block
	}
}

// ========== 乱序队列 ==========

// park 事件入队等待 BetOpened；attempts 为已失败的尝试次数
func (s *ListenerService) park(event *model.AgreementEvent, attempts int) {
	for _, p := range s.parked[event.BetID] {
		if p.event.Key() == event.Key() {
			return
		}
	}
	s.parked[event.BetID] = append(s.parked[event.BetID], &parkedEvent{
		event:       event,
		attempts:    attempts,
		nextAttempt: time.Now().Add(s.backoff(attempts)),
	})
	s.updateParkedCount()

	metrics.RecordListenerEvent(string(event.Type), resultParked)
	logger.Debug("event parked until BetOpened arrives",
		zap.String("event", string(event.Type)),
		zap.Int64("bet_id", event.BetID),
		zap.Uint64("block", event.BlockNumber),
		zap.Int("attempts", attempts))
}

// retryParked 重试到期的乱序事件
func (s *ListenerService) retryParked(ctx context.Context, now time.Time) error {
	if len(s.parked) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(s.parked))
	for id, queue := range s.parked {
		sortParked(queue)
		if !queue[0].nextAttempt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := s.drainParked(ctx, id, now); err != nil {
			return err
		}
	}
	return nil
}

// drainParked 按链上顺序应用某个 bet 的等待事件
func (s *ListenerService) drainParked(ctx context.Context, betID int64, now time.Time) error {
	queue := s.parked[betID]
	sortParked(queue)
	defer s.updateParkedCount()

	for len(queue) > 0 {
		head := queue[0]
		result, err := s.apply(ctx, head.event)
		if errors.Is(err, repository.ErrUnknownAgreement) {
			head.attempts++
			if head.attempts >= s.cfg.MaxRetryAttempts {
				s.parked[betID] = queue
				metrics.RecordError("listener", "consistency")
				return &ConsistencyError{
					BetID:       head.event.BetID,
					EventType:   head.event.Type,
					TxHash:      head.event.TxHash,
					LogIndex:    head.event.LogIndex,
					BlockNumber: head.event.BlockNumber,
					Attempts:    head.attempts,
				}
			}
			head.nextAttempt = now.Add(s.backoff(head.attempts))
			s.parked[betID] = queue
			logger.Debug("parked event still waiting",
				zap.Int64("bet_id", betID),
				zap.String("event", string(head.event.Type)),
				zap.Int("attempts", head.attempts))
			return nil
		}
		if err != nil {
			s.parked[betID] = queue
			return err
		}
		s.afterApply(ctx, head.event, result)
		queue = queue[1:]
	}

	delete(s.parked, betID)
	return nil
}

// backoff 第 attempts 次失败后的等待时间
func (s *ListenerService) backoff(attempts int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay = nextDelay(delay, s.cfg.RetryMaxDelay)
	}
	return delay
}

func (s *ListenerService) updateParkedCount() {
	var n int64
	for _, queue := range s.parked {
		n += int64(len(queue))
	}
	s.parkedCount.Store(n)
	metrics.ListenerParkedGauge.Set(float64(n))
}

func sortParked(queue []*parkedEvent) {
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].event.Before(queue[j].event)
	})
}

// ========== 断点 ==========

// nextCheckpoint 不越过最早的等待事件
func (s *ListenerService) nextCheckpoint() uint64 {
	block := s.handledBlock
	for _, queue := range s.parked {
		for _, p := range queue {
			if p.event.BlockNumber < block {
				block = p.event.BlockNumber
			}
		}
	}
	return block
}

func (s *ListenerService) saveCheckpoint(ctx context.Context) {
	block := s.nextCheckpoint()
	if s.hasSaved && block == s.lastSaved {
		return
	}

	if err := s.checkpointRepo.Save(ctx, s.cfg.ChainID, s.futures.Address().Hex(), int64(block)); err != nil {
		logger.Error("failed to save checkpoint", zap.Uint64("block", block), zap.Error(err))
		metrics.RecordError("listener", "checkpoint")
		return
	}
	s.lastSaved = block
	s.hasSaved = true
	s.checkpointBlock.Store(block)
	metrics.ListenerCheckpointGauge.Set(float64(block))

	logger.Debug("checkpoint saved",
		zap.Int64("chain_id", s.cfg.ChainID),
		zap.Uint64("block", block))
}

// ========== 传输层 ==========

// runTransport 订阅优先，节点不支持推送时退化为轮询；出错后退避重连
func (s *ListenerService) runTransport(ctx context.Context, from uint64, out chan<- streamItem) {
	next := from
	delay := s.cfg.ReconnectDelay
	for {
		mode := "subscribe"
		resumed, err := s.subscribe(ctx, next, out)
		if isNotificationsUnsupported(err) {
			mode = "poll"
			logger.Info("log subscription unsupported, polling",
				zap.Duration("interval", s.cfg.PollInterval),
				zap.Uint64("confirmations", s.cfg.Confirmations))
			resumed, err = s.poll(ctx, resumed, out)
		}
		if ctx.Err() != nil {
			return
		}
		if resumed > next {
			// 有进展则重置退避
			delay = s.cfg.ReconnectDelay
		}
		next = resumed

		logger.Warn("log transport interrupted, reconnecting",
			zap.String("mode", mode),
			zap.Uint64("resume_block", next),
			zap.Duration("delay", delay),
			zap.Error(err))
		metrics.ListenerReconnectsTotal.WithLabelValues(mode).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, s.cfg.ReconnectMaxDelay)
	}
}

// subscribe 先订阅再补齐历史，之后转发实时日志
// 返回值为下次重连的起始区块 (包含)
func (s *ListenerService) subscribe(ctx context.Context, from uint64, out chan<- streamItem) (uint64, error) {
	live := make(chan types.Log, s.cfg.BufferSize)
	sub, err := s.source.SubscribeFilterLogs(ctx, s.futures.FilterQuery(nil, nil), live)
	if err != nil {
		return from, err
	}
	defer sub.Unsubscribe()

	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return from, err
	}

	next, err := s.backfill(ctx, from, head, out)
	if err != nil {
		return next, err
	}

	for {
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = ErrSubscriptionClosed
			}
			return next, err
		case lg := <-live:
			// 补齐阶段已覆盖的区块，只转发撤销通知
			if lg.BlockNumber <= head && !lg.Removed {
				continue
			}
			if err := send(ctx, out, streamItem{log: &lg}); err != nil {
				return next, err
			}
			if !lg.Removed && lg.BlockNumber > next {
				next = lg.BlockNumber
			}
		}
	}
}

// poll 定期补齐到 head - confirmations
func (s *ListenerService) poll(ctx context.Context, from uint64, out chan<- streamItem) (uint64, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	next := from
	for {
		head, err := s.source.BlockNumber(ctx)
		if err != nil {
			return next, err
		}
		if head >= s.cfg.Confirmations {
			safe := head - s.cfg.Confirmations
			if safe >= next {
				next, err = s.backfill(ctx, next, safe, out)
				if err != nil {
					return next, err
				}
			}
		}

		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case <-ticker.C:
		}
	}
}

// backfill 分段拉取 [from, to] 的历史日志，返回 to+1
func (s *ListenerService) backfill(ctx context.Context, from, to uint64, out chan<- streamItem) (uint64, error) {
	for start := from; start <= to; {
		end := start + s.cfg.MaxBlockRange - 1
		if end > to {
			end = to
		}

		query := s.futures.FilterQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
		logs, err := s.source.FilterLogs(ctx, query)
		if err != nil {
			return start, fmt.Errorf("filter logs [%d, %d]: %w", start, end, err)
		}
		sort.SliceStable(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})

		for i := range logs {
			if err := send(ctx, out, streamItem{log: &logs[i]}); err != nil {
				return start, err
			}
		}
		if err := send(ctx, out, streamItem{progress: end}); err != nil {
			return start, err
		}
		if len(logs) > 0 {
			logger.Debug("backfilled logs",
				zap.Uint64("from", start),
				zap.Uint64("to", end),
				zap.Int("count", len(logs)))
		}
		start = end + 1
	}
	return maxUint64(from, to+1), nil
}

func send(ctx context.Context, out chan<- streamItem, item streamItem) error {
	select {
	case out <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isNotificationsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, rpc.ErrNotificationsUnsupported) ||
		strings.Contains(err.Error(), "notifications not supported")
}

// filterCanceled 取消导致的错误视为正常退出
func filterCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
