package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// 存储驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Log        LogConfig        `yaml:"log" json:"log"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Listener   ListenerConfig   `yaml:"listener" json:"listener"`
	Scanner    ScannerConfig    `yaml:"scanner" json:"scanner"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"` // 健康检查
	HTTPPort int    `yaml:"http_port" json:"http_port"` // /metrics, /health
	Env      string `yaml:"env" json:"env"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// StoreConfig 事件存储配置
type StoreConfig struct {
	Driver   string         `yaml:"driver" json:"driver"` // sqlite | postgres
	Path     string         `yaml:"path" json:"path"`     // sqlite 文件
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"-"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // 秒
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置 (扫描锁)
type RedisConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置 (事件下发)
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Brokers   []string `yaml:"brokers" json:"brokers"`
	ClientID  string   `yaml:"client_id" json:"client_id"`
	Topic     string   `yaml:"topic" json:"topic"`
	QueueSize int      `yaml:"queue_size" json:"queue_size"` // 待发送队列长度，满时丢弃新事件
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL          string   `yaml:"rpc_url" json:"rpc_url"`
	WSURL           string   `yaml:"ws_url" json:"ws_url"` // 为空时通过 rpc_url 订阅，不支持则轮询
	BackupRPCURLs   []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID         int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress string   `yaml:"contract_address" json:"contract_address"`
	PrivateKey      string   `yaml:"private_key" json:"-"` // 为空时只监听，不结算
	StartBlock      uint64   `yaml:"start_block" json:"start_block"`
}

// ListenerConfig 事件监听配置
type ListenerConfig struct {
	MaxBlockRange      uint64 `yaml:"max_block_range" json:"max_block_range"`
	PollInterval       int    `yaml:"poll_interval" json:"poll_interval"` // 毫秒
	Confirmations      uint64 `yaml:"confirmations" json:"confirmations"`
	BufferSize         int    `yaml:"buffer_size" json:"buffer_size"`
	CheckpointInterval int    `yaml:"checkpoint_interval" json:"checkpoint_interval"` // 秒
	RetryBaseDelay     int    `yaml:"retry_base_delay" json:"retry_base_delay"`       // 毫秒
	RetryMaxDelay      int    `yaml:"retry_max_delay" json:"retry_max_delay"`         // 毫秒
	MaxRetryAttempts   int    `yaml:"max_retry_attempts" json:"max_retry_attempts"`
}

// ScannerConfig 结算扫描配置
type ScannerConfig struct {
	ScanInterval int `yaml:"scan_interval" json:"scan_interval"` // 秒
	BatchLimit   int `yaml:"batch_limit" json:"batch_limit"`
	LockTTL      int `yaml:"lock_ttl" json:"lock_ttl"` // 秒
}

// SettlementConfig 结算提交配置
type SettlementConfig struct {
	ConfirmTimeout      int     `yaml:"confirm_timeout" json:"confirm_timeout"`             // 秒
	ReceiptPollInterval int     `yaml:"receipt_poll_interval" json:"receipt_poll_interval"` // 毫秒
	InflightTTL         int     `yaml:"inflight_ttl" json:"inflight_ttl"`                   // 秒
	MaxGasPriceGwei     int64   `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
	MaxGasLimit         uint64  `yaml:"max_gas_limit" json:"max_gas_limit"`
	GasPriceMultiplier  float64 `yaml:"gas_price_multiplier" json:"gas_price_multiplier"`
	GasLimitMultiplier  float64 `yaml:"gas_limit_multiplier" json:"gas_limit_multiplier"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, defaultVal, _ := strings.Cut(s[start+2:end], ":")
		value := os.Getenv(name)
		if value == "" {
			value = defaultVal
		}

		b.WriteString(s[:start])
		b.WriteString(value)
		s = s[end+1:]
	}
	b.WriteString(s)
	return b.String()
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-futures"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 9090
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./events.db"
	}
	pg := &cfg.Store.Postgres
	if pg.Port == 0 {
		pg.Port = 5432
	}
	if pg.SSLMode == "" {
		pg.SSLMode = "disable"
	}
	if pg.MaxConnections == 0 {
		pg.MaxConnections = 20
	}
	if pg.MaxIdleConns == 0 {
		pg.MaxIdleConns = 5
	}
	if pg.ConnMaxLifetime == 0 {
		pg.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "agreement-events"
	}
	if cfg.Kafka.QueueSize <= 0 {
		cfg.Kafka.QueueSize = 1024
	}

	if cfg.Blockchain.RPCURL == "" {
		cfg.Blockchain.RPCURL = "http://127.0.0.1:8545"
	}
	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}

	l := &cfg.Listener
	if l.MaxBlockRange == 0 {
		l.MaxBlockRange = 2000
	}
	if l.PollInterval == 0 {
		l.PollInterval = 2000
	}
	if l.BufferSize == 0 {
		l.BufferSize = 1024
	}
	if l.CheckpointInterval == 0 {
		l.CheckpointInterval = 5
	}
	if l.RetryBaseDelay == 0 {
		l.RetryBaseDelay = 500
	}
	if l.RetryMaxDelay == 0 {
		l.RetryMaxDelay = 30000
	}
	if l.MaxRetryAttempts == 0 {
		l.MaxRetryAttempts = 10
	}

	if cfg.Scanner.ScanInterval == 0 {
		cfg.Scanner.ScanInterval = 15
	}
	if cfg.Scanner.BatchLimit == 0 {
		cfg.Scanner.BatchLimit = 100
	}
	if cfg.Scanner.LockTTL == 0 {
		cfg.Scanner.LockTTL = 60
	}

	st := &cfg.Settlement
	if st.ConfirmTimeout == 0 {
		st.ConfirmTimeout = 120
	}
	if st.ReceiptPollInterval == 0 {
		st.ReceiptPollInterval = 2000
	}
	if st.InflightTTL == 0 {
		st.InflightTTL = 600
	}
	if st.MaxGasPriceGwei == 0 {
		st.MaxGasPriceGwei = 500
	}
	if st.MaxGasLimit == 0 {
		st.MaxGasLimit = 1_000_000
	}
	if st.GasPriceMultiplier == 0 {
		st.GasPriceMultiplier = 1.1
	}
	if st.GasLimitMultiplier == 0 {
		st.GasLimitMultiplier = 1.2
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			return fmt.Errorf("%w: store.postgres.host and store.postgres.database are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	if c.Blockchain.RPCURL == "" {
		return fmt.Errorf("%w: blockchain.rpc_url is required", ErrInvalidConfig)
	}
	if c.Blockchain.ChainID <= 0 {
		return fmt.Errorf("%w: blockchain.chain_id must be positive", ErrInvalidConfig)
	}
	if !common.IsHexAddress(c.Blockchain.ContractAddress) {
		return fmt.Errorf("%w: blockchain.contract_address %q is not a hex address", ErrInvalidConfig, c.Blockchain.ContractAddress)
	}
	if key := strings.TrimPrefix(c.Blockchain.PrivateKey, "0x"); key != "" && len(key) != 64 {
		return fmt.Errorf("%w: blockchain.private_key must be 32 bytes hex", ErrInvalidConfig)
	}

	if c.Redis.Enabled && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("%w: redis.addresses is required when redis is enabled", ErrInvalidConfig)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalidConfig)
	}
	return nil
}

// SettlementEnabled 配置了热钱包私钥时启用自动结算
func (c *Config) SettlementEnabled() bool {
	return c.Blockchain.PrivateKey != ""
}

// RPCURLs 主节点在前
func (c *BlockchainConfig) RPCURLs() []string {
	return append([]string{c.RPCURL}, c.BackupRPCURLs...)
}

// Millis 毫秒配置转 time.Duration
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Seconds 秒配置转 time.Duration
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
