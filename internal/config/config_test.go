package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		t.Setenv("TEST_VAR", "hello")
		assert.Equal(t, "value is hello", expandEnvVars("value is ${TEST_VAR}"))
	})

	t.Run("variable with default", func(t *testing.T) {
		assert.Equal(t, "value is default_value", expandEnvVars("value is ${NOT_EXISTS:default_value}"))
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		t.Setenv("MY_VAR", "actual_value")
		assert.Equal(t, "value is actual_value", expandEnvVars("value is ${MY_VAR:default_value}"))
	})

	t.Run("multiple variables", func(t *testing.T) {
		t.Setenv("VAR1", "first")
		t.Setenv("VAR2", "second")
		assert.Equal(t, "first and second", expandEnvVars("${VAR1} and ${VAR2}"))
	})

	t.Run("no variables", func(t *testing.T) {
		assert.Equal(t, "no variables here", expandEnvVars("no variables here"))
	})

	t.Run("empty default", func(t *testing.T) {
		assert.Equal(t, "value is ", expandEnvVars("value is ${NOT_EXISTS:}"))
	})

	t.Run("default with colon", func(t *testing.T) {
		assert.Equal(t, "url is http://127.0.0.1:8545", expandEnvVars("url is ${NOT_EXISTS:http://127.0.0.1:8545}"))
	})

	t.Run("unterminated", func(t *testing.T) {
		assert.Equal(t, "broken ${VAR", expandEnvVars("broken ${VAR"))
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)

		assert.Equal(t, "eidos-futures", cfg.Service.Name)
		assert.Equal(t, 50060, cfg.Service.GRPCPort)
		assert.Equal(t, 9090, cfg.Service.HTTPPort)

		assert.Equal(t, DriverSQLite, cfg.Store.Driver)
		assert.Equal(t, "./events.db", cfg.Store.Path)
		assert.Equal(t, 5432, cfg.Store.Postgres.Port)

		assert.Equal(t, "http://127.0.0.1:8545", cfg.Blockchain.RPCURL)
		assert.Equal(t, int64(31337), cfg.Blockchain.ChainID)
		assert.Equal(t, uint64(0), cfg.Blockchain.StartBlock)

		assert.Equal(t, uint64(2000), cfg.Listener.MaxBlockRange)
		assert.Equal(t, 10, cfg.Listener.MaxRetryAttempts)
		assert.Equal(t, 15, cfg.Scanner.ScanInterval)
		assert.Equal(t, 100, cfg.Scanner.BatchLimit)
		assert.Equal(t, 120, cfg.Settlement.ConfirmTimeout)
		assert.Equal(t, 1.2, cfg.Settlement.GasLimitMultiplier)

		assert.Equal(t, "agreement-events", cfg.Kafka.Topic)
		assert.Equal(t, 1024, cfg.Kafka.QueueSize)
		assert.Equal(t, "eidos-futures", cfg.Kafka.ClientID)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("partial config", func(t *testing.T) {
		cfg := &Config{
			Service:    ServiceConfig{Name: "futures-keeper", GRPCPort: 9999},
			Blockchain: BlockchainConfig{ChainID: 42161},
			Scanner:    ScannerConfig{ScanInterval: 3},
		}
		setDefaults(cfg)

		// 已设置的值不应该被覆盖
		assert.Equal(t, "futures-keeper", cfg.Service.Name)
		assert.Equal(t, 9999, cfg.Service.GRPCPort)
		assert.Equal(t, int64(42161), cfg.Blockchain.ChainID)
		assert.Equal(t, 3, cfg.Scanner.ScanInterval)
		assert.Equal(t, "futures-keeper", cfg.Kafka.ClientID)

		assert.Equal(t, "dev", cfg.Service.Env)
	})
}

func validConfig() *Config {
	cfg := &Config{Blockchain: BlockchainConfig{ContractAddress: testContract}}
	setDefaults(cfg)
	return cfg
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "unsupported store.driver",
		},
		{
			name:    "postgres without host",
			mutate:  func(c *Config) { c.Store.Driver = DriverPostgres },
			wantErr: "store.postgres.host",
		},
		{
			name: "postgres complete",
			mutate: func(c *Config) {
				c.Store.Driver = DriverPostgres
				c.Store.Postgres.Host = "localhost"
				c.Store.Postgres.Database = "futures"
			},
		},
		{
			name:    "missing contract",
			mutate:  func(c *Config) { c.Blockchain.ContractAddress = "" },
			wantErr: "contract_address",
		},
		{
			name:    "short private key",
			mutate:  func(c *Config) { c.Blockchain.PrivateKey = "0x1234" },
			wantErr: "private_key",
		},
		{
			name: "prefixed private key",
			mutate: func(c *Config) {
				c.Blockchain.PrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
			},
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Redis.Enabled = true },
			wantErr: "redis.addresses",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Kafka.Enabled = true },
			wantErr: "kafka.brokers",
		},
		{
			name:    "negative chain id",
			mutate:  func(c *Config) { c.Blockchain.ChainID = -1 },
			wantErr: "chain_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	t.Run("file not exists", func(t *testing.T) {
		_, err := Load("/path/to/nonexistent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("valid config file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		configContent := `
service:
  name: eidos-futures-test
  env: test

store:
  driver: postgres
  postgres:
    host: localhost
    database: futures_test
    user: postgres
    password: ${FUTURES_DB_PASSWORD:test_password}

redis:
  enabled: true
  addresses:
    - localhost:6379

blockchain:
  ws_url: ws://127.0.0.1:8545
  chain_id: 31337
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  start_block: 120

listener:
  confirmations: 2
  poll_interval: 500

scanner:
  scan_interval: 5

log:
  level: debug
  format: console
`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, "eidos-futures-test", cfg.Service.Name)
		assert.Equal(t, DriverPostgres, cfg.Store.Driver)
		assert.Equal(t, "test_password", cfg.Store.Postgres.Password)
		assert.Equal(t, "host=localhost port=5432 user=postgres password=test_password dbname=futures_test sslmode=disable",
			cfg.Store.Postgres.DSN())
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, "ws://127.0.0.1:8545", cfg.Blockchain.WSURL)
		assert.Equal(t, []string{"http://127.0.0.1:8545"}, cfg.Blockchain.RPCURLs())
		assert.Equal(t, uint64(120), cfg.Blockchain.StartBlock)
		assert.Equal(t, uint64(2), cfg.Listener.Confirmations)
		assert.Equal(t, 500*time.Millisecond, Millis(cfg.Listener.PollInterval))
		assert.Equal(t, 5*time.Second, Seconds(cfg.Scanner.ScanInterval))
		assert.False(t, cfg.SettlementEnabled())
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("config with env override", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		configContent := `
blockchain:
  contract_address: ${FUTURES_CONTRACT:0x0000000000000000000000000000000000000000}
  private_key: ${FUTURES_PRIVATE_KEY:}
`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

		t.Setenv("FUTURES_CONTRACT", testContract)
		t.Setenv("FUTURES_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, testContract, cfg.Blockchain.ContractAddress)
		assert.True(t, cfg.SettlementEnabled())
	})

	t.Run("invalid config rejected", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("store:\n  driver: mysql\n"), 0644))

		_, err := Load(configPath)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.yaml")
		invalidContent := `
service:
  name: [this is not valid
  grpc_port 50054
`
		require.NoError(t, os.WriteFile(configPath, []byte(invalidContent), 0644))

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

// TestGetEnvString 测试获取环境变量字符串值
func TestGetEnvString(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	assert.Equal(t, "hello", GetEnvString("TEST_STRING", "default"))
	assert.Equal(t, "default", GetEnvString("NOT_EXISTS_STRING", "default"))
}
