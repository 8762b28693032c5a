package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Log       LogConfig      `mapstructure:"log"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Database  DatabaseConfig `mapstructure:"database"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Engine    EngineConfig   `mapstructure:"engine"`
	Gateway   GatewayConfig  `mapstructure:"gateway"`
	Market    MarketConfig   `mapstructure:"market"`
	Paper     PaperConfig    `mapstructure:"paper"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Audit     AuditConfig    `mapstructure:"audit"`
	Accounts  []AccountSeed  `mapstructure:"accounts"`
	Roles     []RoleSeed     `mapstructure:"roles"`
	Operators []OperatorSeed `mapstructure:"operators"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	ReadOnly bool   `mapstructure:"read_only"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type AuthConfig struct {
	AdminKey      string  `mapstructure:"admin_key"`
	OperatorQPS   float64 `mapstructure:"operator_qps"` // 每个操作员的 API 限流
	OperatorBurst int     `mapstructure:"operator_burst"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
	KeyPrefix      string `mapstructure:"key_prefix"` // 所有 key 的命名空间
}

func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

type EngineConfig struct {
	StartTimeoutMs   int     `mapstructure:"start_timeout_ms"`
	StopTimeoutMs    int     `mapstructure:"stop_timeout_ms"`
	CleanupTimeoutMs int     `mapstructure:"cleanup_timeout_ms"`
	MaxFailures      int     `mapstructure:"max_failures"`
	BackoffBaseMs    int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	QuoteSpread      float64 `mapstructure:"quote_spread"`      // relative, 0.002 = 20bp
	RepriceTolerance float64 `mapstructure:"reprice_tolerance"` // relative distance to keep a resting order
	PricePrecision   int32   `mapstructure:"price_precision"`
	QtyPrecision     int32   `mapstructure:"qty_precision"`
	ResumeOnBoot     bool    `mapstructure:"resume_on_boot"`

	// 下单前风控, 0 表示不限制
	MaxOrderValue     float64 `mapstructure:"max_order_value"`
	MaxPriceDeviation float64 `mapstructure:"max_price_deviation"`
}

func (c EngineConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMs) * time.Millisecond
}

func (c EngineConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMs) * time.Millisecond
}

func (c EngineConfig) CleanupTimeout() time.Duration {
	return time.Duration(c.CleanupTimeoutMs) * time.Millisecond
}

func (c EngineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c EngineConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

type GatewayConfig struct {
	Mode  string  `mapstructure:"mode"` // paper | live
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

type MarketConfig struct {
	FeedURL           string `mapstructure:"feed_url"`
	StaleAfterSeconds int    `mapstructure:"stale_after_seconds"`
	Depth             int    `mapstructure:"depth"`
}

func (c MarketConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

type PaperConfig struct {
	TickMs     int                `mapstructure:"tick_ms"`
	Volatility float64            `mapstructure:"volatility"`
	Prices     map[string]float64 `mapstructure:"prices"` // "exchange:pair" -> initial mid
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	Dir           string `mapstructure:"dir"` // empty disables the JSONL file
	BufferSize    int    `mapstructure:"buffer_size"`
	RetentionDays int    `mapstructure:"retention_days"` // 仅 Postgres 生效, 0 表示永久保留
}

func (c AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type AccountSeed struct {
	ID               string   `mapstructure:"id"`
	UID              string   `mapstructure:"uid"`
	Name             string   `mapstructure:"name"`
	Exchange         string   `mapstructure:"exchange"`
	APIKey           string   `mapstructure:"api_key"`
	APISecret        string   `mapstructure:"api_secret"`
	Passphrase       string   `mapstructure:"passphrase"`
	IPWhitelist      []string `mapstructure:"ip_whitelist"`
	TransactionTypes []string `mapstructure:"transaction_types"`
	TradingPairs     []string `mapstructure:"trading_pairs"`
	Partition        string   `mapstructure:"partition"`
	Leverage         int      `mapstructure:"leverage"`
}

type RoleSeed struct {
	ID                      string   `mapstructure:"id"`
	Name                    string   `mapstructure:"name"`
	Description             string   `mapstructure:"description"`
	AllowedPartitions       []string `mapstructure:"allowed_partitions"`
	AllowedModules          []string `mapstructure:"allowed_modules"`
	AllowedExchanges        []string `mapstructure:"allowed_exchanges"`
	AllowedTransactionTypes []string `mapstructure:"allowed_transaction_types"`
}

type OperatorSeed struct {
	ID      string `mapstructure:"id"`
	Account string `mapstructure:"account"`
	APIKey  string `mapstructure:"api_key"`
	Role    string `mapstructure:"role"`
}

func Load() (*Config, error) {
	// .env 优先加载, 文件不存在时忽略
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// e.g. MMENGINE_GATEWAY_MODE
	viper.SetEnvPrefix("mmengine")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a config populated only with defaults. Used by tests and tools.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_only", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("auth.operator_qps", 20)
	v.SetDefault("auth.operator_burst", 40)
	v.SetDefault("redis.lock_ttl_seconds", 30)
	v.SetDefault("redis.key_prefix", "mmengine")
	v.SetDefault("engine.start_timeout_ms", 5000)
	v.SetDefault("engine.stop_timeout_ms", 10000)
	v.SetDefault("engine.cleanup_timeout_ms", 8000)
	v.SetDefault("engine.max_failures", 5)
	v.SetDefault("engine.backoff_base_ms", 500)
	v.SetDefault("engine.backoff_max_ms", 30000)
	v.SetDefault("engine.quote_spread", 0.002)
	v.SetDefault("engine.reprice_tolerance", 0.001)
	v.SetDefault("engine.price_precision", 8)
	v.SetDefault("engine.qty_precision", 4)
	v.SetDefault("engine.resume_on_boot", true)
	v.SetDefault("engine.max_order_value", 0)
	v.SetDefault("engine.max_price_deviation", 0.05)
	v.SetDefault("gateway.mode", "paper")
	v.SetDefault("gateway.qps", 10)
	v.SetDefault("gateway.burst", 20)
	v.SetDefault("market.stale_after_seconds", 30)
	v.SetDefault("market.depth", 5)
	v.SetDefault("paper.tick_ms", 500)
	v.SetDefault("paper.volatility", 0.001)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("audit.dir", "")
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.retention_days", 90)
}
