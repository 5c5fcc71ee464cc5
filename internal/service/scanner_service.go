package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-futures/internal/metrics"
	"github.com/eidos-exchange/eidos-futures/internal/repository"
	"github.com/eidos-exchange/eidos-futures/internal/scheduler"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

var ErrScannerAlreadyRunning = errors.New("scanner already running")

// 扫描结果 (指标标签)
const (
	scanResultOK       = "ok"
	scanResultSkipped  = "skipped"
	scanResultError    = "error"
	scanResultCanceled = "canceled"
)

// Settler 对单个 bet 发起结算
type Settler interface {
	Settle(ctx context.Context, betID int64) *SettleResult
}

// ScannerServiceConfig 配置
type ScannerServiceConfig struct {
	ScanInterval time.Duration
	BatchLimit   int           // 单次扫描最多处理的数量，0 不限制
	LockName     string        // redis 锁名，多实例部署时只有一个实例扫描
	LockTTL      time.Duration // 持锁期间自动续期
}

// ScanReport 单次扫描汇总
type ScanReport struct {
	ScanID     string
	Settleable int
	Submitted  int
	Outcomes   map[SettleOutcome]int
	Skipped    bool // 锁被其他实例持有
}

// ScannerService 结算扫描服务
// 定时查询已过 closing_time 且未结算的协议，逐个顺序交给 Settler
type ScannerService struct {
	agreementRepo repository.AgreementRepository
	settler       Settler
	locks         *scheduler.LockManager // nil 表示单实例，不加锁
	cfg           ScannerServiceConfig

	now     func() time.Time
	running atomic.Bool
}

// NewScannerService 创建扫描服务
func NewScannerService(
	agreementRepo repository.AgreementRepository,
	settler Settler,
	locks *scheduler.LockManager,
	cfg *ScannerServiceConfig,
) *ScannerService {
	c := *cfg
	if c.ScanInterval == 0 {
		c.ScanInterval = 15 * time.Second
	}
	if c.LockName == "" {
		c.LockName = "settlement-scan"
	}
	if c.LockTTL == 0 {
		c.LockTTL = time.Minute
	}

	return &ScannerService{
		agreementRepo: agreementRepo,
		settler:       settler,
		locks:         locks,
		cfg:           c,
		now:           time.Now,
	}
}

// Run 按 ScanInterval 调度扫描直到 ctx 取消
// 上一次扫描未结束时跳过本次
func (s *ScannerService) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrScannerAlreadyRunning
	}
	defer s.running.Store(false)

	cronLog := cronLogger{}
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))

	spec := fmt.Sprintf("@every %s", s.cfg.ScanInterval)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("settlement scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule scan: %w", err)
	}

	c.Start()
	logger.Info("scanner started",
		zap.Duration("interval", s.cfg.ScanInterval),
		zap.Int("batch_limit", s.cfg.BatchLimit),
		zap.Bool("distributed_lock", s.locks != nil))

	<-ctx.Done()

	// 等待进行中的扫描退出 (其 ctx 已取消)
	<-c.Stop().Done()
	logger.Info("scanner stopped")
	return nil
}

// ScanOnce 执行一次扫描
func (s *ScannerService) ScanOnce(ctx context.Context) (*ScanReport, error) {
	start := time.Now()
	report := &ScanReport{
		ScanID:   uuid.NewString(),
		Outcomes: make(map[SettleOutcome]int),
	}
	log := logger.L().With(zap.String("scan_id", report.ScanID))

	if s.locks != nil {
		lock := s.locks.NewLock(s.cfg.LockName, s.cfg.LockTTL, true)
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			metrics.RecordScan(scanResultError, time.Since(start).Seconds(), 0)
			return report, err
		}
		if !acquired {
			log.Debug("scan lock held by another instance, skipping")
			report.Skipped = true
			metrics.RecordScan(scanResultSkipped, time.Since(start).Seconds(), 0)
			return report, nil
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				log.Error("failed to release scan lock", zap.Error(err))
			}
		}()
	}

	now := s.now().Unix()
	agreements, err := s.agreementRepo.ListSettleable(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		metrics.RecordScan(scanResultError, time.Since(start).Seconds(), 0)
		return report, fmt.Errorf("list settleable: %w", err)
	}
	report.Settleable = len(agreements)
	if len(agreements) > 0 {
		log.Info("settleable agreements found", zap.Int("count", len(agreements)), zap.Int64("now", now))
	}

	for _, a := range agreements {
		if ctx.Err() != nil {
			metrics.RecordScan(scanResultCanceled, time.Since(start).Seconds(), report.Settleable)
			return report, ctx.Err()
		}

		// 未加入的协议同样提交，由合约决定是否拒绝
		result := s.settler.Settle(logger.NewContext(ctx, zap.String("scan_id", report.ScanID)), a.BetID)
		report.Submitted++
		report.Outcomes[result.Outcome]++
	}

	metrics.RecordScan(scanResultOK, time.Since(start).Seconds(), report.Settleable)
	if report.Settleable > 0 {
		log.Info("settlement scan finished",
			zap.Int("settleable", report.Settleable),
			zap.Int("confirmed", report.Outcomes[OutcomeConfirmed]),
			zap.Int("rejected", report.Outcomes[OutcomeRejected]),
			zap.Int("pending", report.Outcomes[OutcomePending]),
			zap.Int("transient", report.Outcomes[OutcomeTransient]),
			zap.Duration("duration", time.Since(start)))
	}
	return report, nil
}

// cronLogger 将 cron 日志接入 zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Named("cron").Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Named("cron").Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
