// Package app 提供 eidos-futures 服务的应用生命周期管理
//
// ========================================
// eidos-futures 服务说明
// ========================================
//
// ## 服务职责
// 1. 事件镜像 (Listener): 订阅 Futures 合约的 BetOpened / BetJoined / BetClosed，写入本地存储
// 2. 结算扫描 (Scanner): 定时查询已过 closing_time 且未结算的协议
// 3. 结算提交 (Submitter): 对每个协议调用 closeBet，结果由 BetClosed 事件回写
//
// 未配置 private_key 时只运行 Listener。
//
// ## 可选依赖
// - Redis: 多实例部署时的扫描锁
// - Kafka: agreement-events topic，下发已写库的事件
//
// ## 运维接口
// - gRPC 健康检查: service.grpc_port
// - HTTP: /metrics /health /ready /status (service.http_port)
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-futures/internal/blockchain"
	"github.com/eidos-exchange/eidos-futures/internal/config"
	"github.com/eidos-exchange/eidos-futures/internal/contract"
	"github.com/eidos-exchange/eidos-futures/internal/handler"
	"github.com/eidos-exchange/eidos-futures/internal/kafka"
	"github.com/eidos-exchange/eidos-futures/internal/repository"
	"github.com/eidos-exchange/eidos-futures/internal/scheduler"
	"github.com/eidos-exchange/eidos-futures/internal/service"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	chainClient *blockchain.Client
	futures     *contract.FuturesContract

	// 仓储
	repo           *repository.Repository
	agreementRepo  repository.AgreementRepository
	eventRepo      repository.ChainEventRepository
	checkpointRepo repository.CheckpointRepository

	// 服务
	listenerSvc  *service.ListenerService
	submitterSvc *service.SubmitterService // 只监听模式下为 nil
	scannerSvc   *service.ScannerService

	// Kafka
	kafkaProducer *kafka.Producer

	// 运维接口
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server

	// 运行控制
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initStore(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init store: %w", err)
	}

	if err := app.initRedis(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initKafka(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initGRPC()
	app.initHTTP()

	return app, nil
}

// initStore 打开事件存储并建表
func (a *App) initStore() error {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	store := a.cfg.Store
	switch store.Driver {
	case config.DriverPostgres:
		db, err = gorm.Open(postgres.Open(store.Postgres.DSN()), gormCfg)
	default:
		db, err = gorm.Open(sqlite.Open(store.Path), gormCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if store.Driver == config.DriverPostgres {
		sqlDB.SetMaxOpenConns(store.Postgres.MaxConnections)
		sqlDB.SetMaxIdleConns(store.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(config.Seconds(store.Postgres.ConnMaxLifetime))
	} else {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	}

	// 启动时不可达即失败
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	a.db = db
	logger.Info("store connected", zap.String("driver", store.Driver))

	if err := repository.AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("store migrated")

	return nil
}

// initRedis 连接 Redis (扫描锁)，未启用时跳过
func (a *App) initRedis() error {
	if !a.cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	a.redis = client
	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

// initBlockchain 初始化区块链客户端与合约绑定
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		PrivateKey:      bc.PrivateKey,
		RPCURLs:         bc.RPCURLs(),
		WSURL:           bc.WSURL,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	futures, err := contract.NewFuturesContract(common.HexToAddress(bc.ContractAddress))
	if err != nil {
		return fmt.Errorf("failed to bind futures contract: %w", err)
	}
	a.futures = futures

	fields := []zap.Field{
		zap.Int64("chain_id", bc.ChainID),
		zap.String("contract", futures.Address().Hex()),
	}
	if a.cfg.SettlementEnabled() {
		fields = append(fields, zap.String("keeper", client.Address().Hex()))
	}
	logger.Info("blockchain client initialized", fields...)

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.repo = repository.NewRepository(a.db)
	a.agreementRepo = repository.NewAgreementRepository(a.db)
	a.eventRepo = repository.NewChainEventRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	lc := a.cfg.Listener
	a.listenerSvc = service.NewListenerService(
		a.chainClient,
		a.futures,
		a.repo,
		a.agreementRepo,
		a.eventRepo,
		a.checkpointRepo,
		&service.ListenerServiceConfig{
			ChainID:            a.cfg.Blockchain.ChainID,
			StartBlock:         a.cfg.Blockchain.StartBlock,
			MaxBlockRange:      lc.MaxBlockRange,
			PollInterval:       config.Millis(lc.PollInterval),
			Confirmations:      lc.Confirmations,
			BufferSize:         lc.BufferSize,
			CheckpointInterval: config.Seconds(lc.CheckpointInterval),
			RetryBaseDelay:     config.Millis(lc.RetryBaseDelay),
			RetryMaxDelay:      config.Millis(lc.RetryMaxDelay),
			MaxRetryAttempts:   lc.MaxRetryAttempts,
		},
	)

	if !a.cfg.SettlementEnabled() {
		logger.Warn("no private key configured, settlement disabled (listen-only)")
		logger.Info("services initialized")
		return
	}

	sc := a.cfg.Settlement
	gas := contract.NewGasEstimator(&contract.GasEstimatorConfig{
		MaxGasPrice:        new(big.Int).Mul(big.NewInt(sc.MaxGasPriceGwei), big.NewInt(1e9)),
		MaxGasLimit:        sc.MaxGasLimit,
		GasPriceMultiplier: sc.GasPriceMultiplier,
		GasLimitMultiplier: sc.GasLimitMultiplier,
	}, a.chainClient)

	a.submitterSvc = service.NewSubmitterService(
		a.chainClient,
		gas,
		a.futures,
		&service.SubmitterServiceConfig{
			ConfirmTimeout:      config.Seconds(sc.ConfirmTimeout),
			ReceiptPollInterval: config.Millis(sc.ReceiptPollInterval),
			InflightTTL:         config.Seconds(sc.InflightTTL),
		},
	)

	var locks *scheduler.LockManager
	if a.redis != nil {
		locks = scheduler.NewLockManager(a.redis)
	}
	a.scannerSvc = service.NewScannerService(
		a.agreementRepo,
		a.submitterSvc,
		locks,
		&service.ScannerServiceConfig{
			ScanInterval: config.Seconds(a.cfg.Scanner.ScanInterval),
			BatchLimit:   a.cfg.Scanner.BatchLimit,
			LockTTL:      config.Seconds(a.cfg.Scanner.LockTTL),
		},
	)

	logger.Info("services initialized")
}

// initKafka 初始化事件下发，未启用时跳过
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:   a.cfg.Kafka.Brokers,
		ClientID:  a.cfg.Kafka.ClientID,
		Topic:     a.cfg.Kafka.Topic,
		QueueSize: a.cfg.Kafka.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	// 只入队不等待 broker，下发失败只记录日志，不影响写库
	a.listenerSvc.SetOnEventApplied(producer.PublishAgreementEvent)

	logger.Info("kafka initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("topic", a.cfg.Kafka.Topic))
	return nil
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoveryUnaryInterceptor()),
	)

	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// initHTTP 初始化 /metrics 与健康检查接口
func (a *App) initHTTP() {
	checks := map[string]handler.Pinger{
		"store": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"chain": a.chainClient.HealthCheck,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}

	var inflight handler.InflightProvider
	if a.submitterSvc != nil {
		inflight = a.submitterSvc
	}

	h := handler.NewHealthHandler(a.listenerSvc, inflight, checks)
	if a.submitterSvc != nil {
		keeper := a.chainClient.Address()
		h.SetKeeperBalance(func(ctx context.Context) (*big.Int, error) {
			return a.chainClient.BalanceAt(ctx, keeper, nil)
		})
	}
	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:      h.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Run 运行应用，直到收到退出信号或某个运行单元出现致命错误
// 致命错误时返回该错误，由调用方以非零码退出
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		a.shutdown()
		return fmt.Errorf("failed to listen: %w", err)
	}

	fatalCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.listenerSvc.Run(ctx); err != nil {
			fatalCh <- fmt.Errorf("listener: %w", err)
		}
	}()

	if a.scannerSvc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.scannerSvc.Run(ctx); err != nil {
				fatalCh <- fmt.Errorf("scanner: %w", err)
			}
		}()
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var fatal error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-a.stopCh:
		logger.Info("shutdown requested")
	case fatal = <-fatalCh:
		logger.Error("unit failed, shutting down", zap.Error(fatal))
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// 取消根 ctx: 进行中的回执等待中止，监听器保存断点后退出
	cancel()
	wg.Wait()

	a.shutdown()
	return fatal
}

// shutdown 关闭资源
func (a *App) shutdown() {
	logger.Info("shutting down...")

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		cancel()
	}

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
}

// Stop 停止应用
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// recoveryUnaryInterceptor panic 恢复拦截器
func recoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic recovered",
					zap.Any("panic", r),
					zap.String("method", info.FullMethod),
					zap.String("stack", string(debug.Stack())))
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()

		return handler(ctx, req)
	}
}
