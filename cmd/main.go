package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-futures/internal/app"
	"github.com/eidos-exchange/eidos-futures/internal/config"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", config.GetEnvString("CONFIG_PATH", "config/config.yaml"), "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Env,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("env", cfg.Service.Env),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("settlement", cfg.SettlementEnabled()),
		zap.Int("grpc_port", cfg.Service.GRPCPort),
		zap.Int("http_port", cfg.Service.HTTPPort),
	)

	// 创建应用
	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	// 运行应用，致命错误以非零码退出
	if err := application.Run(); err != nil {
		logger.Fatal("app run error", zap.Error(err))
	}

	logger.Info("service stopped")
}
