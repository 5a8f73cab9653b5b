package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "TRUSTYCLAW_CONFIG"

// DefaultConfigPath 是未设置环境变量时使用的配置文件。
const DefaultConfigPath = "configs/trustyclaw.json"

// Config 描述 TrustyClaw 启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Ledger       LedgerConfig       `json:"ledger"`
	Payment      PaymentConfig      `json:"payment"`
	Notification NotificationConfig `json:"notification"`
	Reload       ReloadConfig       `json:"reload"`
	Reputation   ReputationConfig   `json:"reputation"`
	Logging      LoggingConfig      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

// StorageConfig 描述支付、托管与评价数据的存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// LedgerConfig 描述账本适配器。driver 为 mock 时无需链配置。
type LedgerConfig struct {
	Driver         string `json:"driver"`
	ChainConfig    string `json:"chain_config"`
	DefaultChain   string `json:"default_chain"`
	DefaultBalance int64  `json:"default_balance"`
	Strict         bool   `json:"strict"`
}

// PaymentConfig 控制最小金额与多签策略。
type PaymentConfig struct {
	MinimumAmount           int64          `json:"minimum_amount"`
	Multisig                MultisigConfig `json:"multisig"`
	EscrowReleaseSignatures int            `json:"escrow_release_signatures"`
	ExplorerBaseURL         string         `json:"explorer_base_url"`
}

// MultisigConfig 描述高额支付的多签要求。
type MultisigConfig struct {
	ThresholdUSD   float64  `json:"threshold_usd"`
	Signers        []string `json:"signers"`
	RequiredCount  int      `json:"required_count"`
	RecoverySigner string   `json:"recovery_signer"`
}

// NotificationConfig 控制余额告警的频率与投递方式。
type NotificationConfig struct {
	RateLimitSeconds      int             `json:"rate_limit_seconds"`
	WebhookTimeoutSeconds int             `json:"webhook_timeout_seconds"`
	Publisher             PublisherConfig `json:"publisher"`
}

// PublisherConfig 描述告警的消息队列发布者。
type PublisherConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
}

// ReloadConfig 控制自动充值队列。
type ReloadConfig struct {
	QueueDriver    string         `json:"queue_driver"`
	QueueBuffer    int            `json:"queue_buffer"`
	Workers        int            `json:"workers"`
	TreasuryWallet string         `json:"treasury_wallet"`
	Redis          RedisConfig    `json:"redis"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// ReputationConfig 控制信誉计算。
type ReputationConfig struct {
	Formula    string `json:"formula"`
	MinReviews int    `json:"min_reviews"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       AuditLog `json:"audit"`
}

// AuditLog 描述审计日志文件。
type AuditLog struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时返回默认路径。
func PathFromEnv() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回一份未读取文件、全部使用默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 检查配置中互相矛盾的字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("存储驱动 %s 需要配置 dsn", c.Storage.Driver)
	}
	switch c.Ledger.Driver {
	case "mock", "evm":
	default:
		return fmt.Errorf("不支持的账本驱动: %s", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "evm" && c.Ledger.ChainConfig == "" {
		return errors.New("evm 账本需要配置 chain_config")
	}
	switch c.Reload.QueueDriver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的充值队列驱动: %s", c.Reload.QueueDriver)
	}
	if c.Payment.Multisig.ThresholdUSD > 0 && len(c.Payment.Multisig.Signers) == 0 {
		return errors.New("启用多签阈值时必须配置签名者")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 15
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.ConnMaxLifetimeSeconds = 300
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "mock"
	}
	if c.Ledger.DefaultBalance == 0 {
		c.Ledger.DefaultBalance = 1_000_000_000
	}
	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}

	if c.Payment.MinimumAmount <= 0 {
		c.Payment.MinimumAmount = 1000
	}
	if c.Payment.Multisig.RequiredCount <= 0 {
		c.Payment.Multisig.RequiredCount = 2
	}
	if c.Payment.EscrowReleaseSignatures <= 0 {
		c.Payment.EscrowReleaseSignatures = 2
	}
	if c.Payment.ExplorerBaseURL == "" {
		c.Payment.ExplorerBaseURL = "https://explorer.solana.com/tx/"
	}

	if c.Notification.RateLimitSeconds <= 0 {
		c.Notification.RateLimitSeconds = 3600
	}
	if c.Notification.WebhookTimeoutSeconds <= 0 {
		c.Notification.WebhookTimeoutSeconds = 10
	}
	if c.Notification.Publisher.Driver == "" {
		c.Notification.Publisher.Driver = "none"
	}
	if c.Notification.Publisher.Queue == "" {
		c.Notification.Publisher.Queue = "trustyclaw.balance_alerts"
	}

	if c.Reload.QueueDriver == "" {
		c.Reload.QueueDriver = "memory"
	}
	if c.Reload.QueueBuffer <= 0 {
		c.Reload.QueueBuffer = 128
	}
	if c.Reload.Workers <= 0 {
		c.Reload.Workers = 1
	}
	if c.Reload.Redis.Queue == "" {
		c.Reload.Redis.Queue = "trustyclaw:reload"
	}
	if c.Reload.RabbitMQ.Queue == "" {
		c.Reload.RabbitMQ.Queue = "trustyclaw.reload"
	}
	if c.Reload.RabbitMQ.Prefetch <= 0 {
		c.Reload.RabbitMQ.Prefetch = 1
	}

	if c.Reputation.Formula == "" {
		c.Reputation.Formula = "weighted"
	}
	if c.Reputation.MinReviews <= 0 {
		c.Reputation.MinReviews = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// RateLimit 返回告警限流窗口。
func (c NotificationConfig) RateLimit() time.Duration {
	return time.Duration(c.RateLimitSeconds) * time.Second
}

// WebhookTimeout 返回 webhook 调用超时。
func (c NotificationConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}
