package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricekeeper/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Tiers    []TierConfig   `mapstructure:"tiers"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// OracleConfig covers the off-chain price sources.
type OracleConfig struct {
	PrimaryURL     string        `mapstructure:"primary_url"`
	FallbackURL    string        `mapstructure:"fallback_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainConfig covers on-chain data access and the payments contract.
type ChainConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	ChainID             int64         `mapstructure:"chain_id"`
	PaymentsAddress     string        `mapstructure:"payments_address"`
	TokenDecimals       int32         `mapstructure:"token_decimals"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
}

// SignerConfig holds the transaction signing credential.
type SignerConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// PolicyConfig tunes the update decision engine.
type PolicyConfig struct {
	ChangeThreshold   float64       `mapstructure:"change_threshold"`
	MinUpdateInterval time.Duration `mapstructure:"min_update_interval"`
	MaxDailyUpdates   int           `mapstructure:"max_daily_updates"`
}

// TierConfig declares one pricing tier's USD target.
type TierConfig struct {
	Name             string  `mapstructure:"name"`
	USDTarget        float64 `mapstructure:"usd_target"`
	SafetyMultiplier float64 `mapstructure:"safety_multiplier"`
}

// MonitorConfig governs contract event polling.
type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LookbackBlocks uint64        `mapstructure:"lookback_blocks"`
	LargePurchase  float64       `mapstructure:"large_purchase_tokens"`
	RecheckDelay   time.Duration `mapstructure:"recheck_delay"`
}

// DaemonConfig governs the supervisor loop and its handoff files.
type DaemonConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	PIDFile      string        `mapstructure:"pid_file"`
	StatusFile   string        `mapstructure:"status_file"`
	HistoryFile  string        `mapstructure:"history_file"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// DatabaseConfig encapsulates the optional PostgreSQL audit trail.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

// RedisConfig encapsulates the optional purchase-event dedup cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MetricsConfig enables the optional Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricekeeper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.user_agent", "pricekeeper/1.0")

	v.SetDefault("chain.rpc_url", "https://mainnet.base.org")
	v.SetDefault("chain.chain_id", int64(8453))
	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.confirmation_timeout", "3m")

	v.SetDefault("policy.change_threshold", 0.15)
	v.SetDefault("policy.min_update_interval", "1h")
	v.SetDefault("policy.max_daily_updates", 6)

	v.SetDefault("tiers", defaultTiers())

	v.SetDefault("monitor.poll_interval", "1m")
	v.SetDefault("monitor.lookback_blocks", uint64(100))
	v.SetDefault("monitor.large_purchase_tokens", 1_000_000.0)
	v.SetDefault("monitor.recheck_delay", "30s")

	v.SetDefault("daemon.tick_interval", "1h")
	v.SetDefault("daemon.pid_file", "pricekeeper.pid")
	v.SetDefault("daemon.status_file", "pricekeeper.status.json")
	v.SetDefault("daemon.history_file", "last_price_update.json")
	v.SetDefault("daemon.startup_delay", "0s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.run_migrations", true)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "72h")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9187")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

// defaultTiers mirrors the live payment tiers: base prices with the 30%
// token-payment discount applied. The unlimited tier is named "don" on
// the contract side.
func defaultTiers() []map[string]any {
	return []map[string]any{
		{"name": "starter", "usd_target": 0.35, "safety_multiplier": 1.05},
		{"name": "pro", "usd_target": 3.49, "safety_multiplier": 1.05},
		{"name": "don", "usd_target": 6.99, "safety_multiplier": 1.05},
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Policy.ChangeThreshold <= 0 || c.Policy.ChangeThreshold >= 1 {
		return fmt.Errorf("policy.change_threshold must be a fraction in (0, 1)")
	}
	if c.Policy.MinUpdateInterval <= 0 {
		return fmt.Errorf("policy.min_update_interval must be greater than zero")
	}
	if c.Policy.MaxDailyUpdates <= 0 {
		return fmt.Errorf("policy.max_daily_updates must be greater than zero")
	}
	if c.Daemon.TickInterval <= 0 {
		return fmt.Errorf("daemon.tick_interval must be greater than zero")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be greater than zero")
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("chain.token_decimals out of range")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one pricing tier must be configured")
	}
	seen := make(map[string]struct{}, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("tier name cannot be empty")
		}
		if _, dup := seen[tier.Name]; dup {
			return fmt.Errorf("duplicate tier %q", tier.Name)
		}
		seen[tier.Name] = struct{}{}
		if tier.USDTarget <= 0 {
			return fmt.Errorf("tier %q: usd_target must be greater than zero", tier.Name)
		}
		if tier.SafetyMultiplier < 1 {
			return fmt.Errorf("tier %q: safety_multiplier cannot be below 1", tier.Name)
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ValidateAutomation checks the settings the commit path depends on.
// The daemon refuses to start without them; read-only commands do not
// call this.
func (c *Config) ValidateAutomation() error {
	if c.Signer.PrivateKey == "" {
		return fmt.Errorf("signer.private_key is required to run price automation")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required to run price automation")
	}
	if c.Chain.PaymentsAddress == "" {
		return fmt.Errorf("chain.payments_address is required to run price automation")
	}
	if c.Oracle.PrimaryURL == "" {
		return fmt.Errorf("oracle.primary_url is required to run price automation")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
