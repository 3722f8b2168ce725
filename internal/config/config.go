package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
	"oracle-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Ethereum     EthereumConfig     `mapstructure:"ethereum"`
	Chainlink    ChainlinkConfig    `mapstructure:"chainlink"`
	Pyth         PythConfig         `mapstructure:"pyth"`
	Dex          DexConfig          `mapstructure:"dex"`
	Transactions TransactionsConfig `mapstructure:"transactions"`
	Symbols      []string           `mapstructure:"symbols"`
	Detection    DetectionConfig    `mapstructure:"detection"`
	Consensus    ConsensusConfig    `mapstructure:"consensus"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	Retention       time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Concurrency     int           `mapstructure:"concurrency"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	Chain          string        `mapstructure:"chain"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FeedConfig maps a symbol to a feed identifier.
type FeedConfig struct {
	Symbol string `mapstructure:"symbol"`
	ID     string `mapstructure:"id"`
}

// ChainlinkConfig lists AggregatorV3 proxies by symbol.
type ChainlinkConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Feeds   []FeedConfig `mapstructure:"feeds"`
}

// PythConfig captures Hermes connectivity.
type PythConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	Feeds          []FeedConfig  `mapstructure:"feeds"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// PairConfig describes a UniswapV2-style pool.
type PairConfig struct {
	Symbol        string `mapstructure:"symbol"`
	Address       string `mapstructure:"address"`
	BaseDecimals  int32  `mapstructure:"base_decimals"`
	QuoteDecimals int32  `mapstructure:"quote_decimals"`
	BaseIsToken0  bool   `mapstructure:"base_is_token0"`
}

// DexConfig lists pools quoted from reserves.
type DexConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Pairs   []PairConfig `mapstructure:"pairs"`
}

// TransactionsConfig controls the block scanner feeding pattern detectors.
type TransactionsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LookbackBlocks uint64        `mapstructure:"lookback_blocks"`
	Watch          []WatchConfig `mapstructure:"watch"`
}

// WatchConfig lists the contracts (routers, lending pools) whose
// transactions are attributed to a symbol.
type WatchConfig struct {
	Symbol    string   `mapstructure:"symbol"`
	Contracts []string `mapstructure:"contracts"`
}

// WatchedContracts returns the contracts per upper-cased symbol. DEX pair
// addresses are always watched for their own symbol.
func (c *Config) WatchedContracts() map[string][]string {
	out := make(map[string][]string)
	for _, w := range c.Transactions.Watch {
		symbol := strings.ToUpper(strings.TrimSpace(w.Symbol))
		out[symbol] = append(out[symbol], w.Contracts...)
	}
	if c.Dex.Enabled {
		for _, p := range c.Dex.Pairs {
			symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
			out[symbol] = append(out[symbol], p.Address)
		}
	}
	return out
}

// DetectionConfig mirrors detection.Config.
type DetectionConfig struct {
	ZScoreThreshold            float64       `mapstructure:"z_score_threshold"`
	MinConfidenceScore         float64       `mapstructure:"min_confidence_score"`
	TimeWindow                 time.Duration `mapstructure:"time_window"`
	SampleInterval             time.Duration `mapstructure:"sample_interval"`
	BufferSlack                int           `mapstructure:"buffer_slack"`
	MinDataPoints              int           `mapstructure:"min_data_points"`
	FlashLoanMinAmountUSD      float64       `mapstructure:"flash_loan_min_amount_usd"`
	SandwichProfitThresholdUSD float64       `mapstructure:"sandwich_profit_threshold_usd"`
	LiquidityChangeThreshold   float64       `mapstructure:"liquidity_change_threshold"`
	SandwichMaxGap             time.Duration `mapstructure:"sandwich_max_gap"`
	NotificationCooldown       time.Duration `mapstructure:"notification_cooldown"`
	MaxDetectionHistorySize    int           `mapstructure:"max_detection_history_size"`
	EnabledRules               []string      `mapstructure:"enabled_rules"`
}

// Engine converts the section into the engine configuration.
func (d DetectionConfig) Engine() detection.Config {
	rules := make([]detection.Rule, 0, len(d.EnabledRules))
	for _, r := range d.EnabledRules {
		rules = append(rules, detection.Rule(strings.TrimSpace(r)))
	}
	return detection.Config{
		ZScoreThreshold:            d.ZScoreThreshold,
		MinConfidenceScore:         d.MinConfidenceScore,
		TimeWindow:                 d.TimeWindow,
		SampleInterval:             d.SampleInterval,
		BufferSlack:                d.BufferSlack,
		MinDataPoints:              d.MinDataPoints,
		FlashLoanMinAmountUSD:      d.FlashLoanMinAmountUSD,
		SandwichProfitThresholdUSD: d.SandwichProfitThresholdUSD,
		LiquidityChangeThreshold:   d.LiquidityChangeThreshold,
		SandwichMaxGap:             d.SandwichMaxGap,
		NotificationCooldown:       d.NotificationCooldown,
		MaxDetectionHistorySize:    d.MaxDetectionHistorySize,
		EnabledRules:               rules,
	}
}

// ConsensusConfig mirrors consensus.Config.
type ConsensusConfig struct {
	TimeWindow               time.Duration      `mapstructure:"time_window"`
	StaleAfter               time.Duration      `mapstructure:"stale_after"`
	ClockSkew                time.Duration      `mapstructure:"clock_skew"`
	MinDataPoints            int                `mapstructure:"min_data_points"`
	WarningThreshold         float64            `mapstructure:"warning_threshold"`
	CriticalThreshold        float64            `mapstructure:"critical_threshold"`
	MaxPriceDeviationPercent float64            `mapstructure:"max_price_deviation_percent"`
	ReliabilityWindow        time.Duration      `mapstructure:"reliability_window"`
	CustomWeights            map[string]float64 `mapstructure:"custom_weights"`
}

// Engine converts the section into the engine configuration.
func (c ConsensusConfig) Engine() consensus.Config {
	return consensus.Config{
		TimeWindow:               c.TimeWindow,
		StaleAfter:               c.StaleAfter,
		ClockSkew:                c.ClockSkew,
		MinDataPoints:            c.MinDataPoints,
		WarningThreshold:         c.WarningThreshold,
		CriticalThreshold:        c.CriticalThreshold,
		MaxPriceDeviationPercent: c.MaxPriceDeviationPercent,
		ReliabilityWindow:        c.ReliabilityWindow,
		CustomWeights:            c.CustomWeights,
	}
}

// RedisConfig configures the consensus cache.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// KafkaConfig configures the event sink.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	ClientID     string        `mapstructure:"client_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// AlertingConfig defines alert routing.
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
	v.SetEnvPrefix("ORACLEWATCH")
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
	v.SetDefault("app.name", "oraclewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f726163))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.tick_timeout", "0s")

	v.SetDefault("ethereum.chain", "ethereum")
	v.SetDefault("ethereum.chain_id", 1)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("chainlink.enabled", true)
	v.SetDefault("chainlink.feeds", []map[string]any{
		{"symbol": "ETH/USD", "id": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"},
		{"symbol": "BTC/USD", "id": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"},
	})

	v.SetDefault("pyth.enabled", true)
	v.SetDefault("pyth.base_url", "https://hermes.pyth.network")
	v.SetDefault("pyth.request_timeout", "10s")
	v.SetDefault("pyth.feeds", []map[string]any{
		{"symbol": "ETH/USD", "id": "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"},
		{"symbol": "BTC/USD", "id": "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"},
	})

	v.SetDefault("dex.enabled", false)
	v.SetDefault("dex.pairs", []map[string]any{
		{"symbol": "ETH/USD", "address": "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc", "base_decimals": 18, "quote_decimals": 6, "base_is_token0": false},
	})

	v.SetDefault("transactions.enabled", false)
	v.SetDefault("transactions.lookback_blocks", 5)

	v.SetDefault("symbols", []string{"ETH/USD", "BTC/USD"})

	d := detection.DefaultConfig()
	v.SetDefault("detection.z_score_threshold", d.ZScoreThreshold)
	v.SetDefault("detection.min_confidence_score", d.MinConfidenceScore)
	v.SetDefault("detection.time_window", d.TimeWindow.String())
	v.SetDefault("detection.sample_interval", d.SampleInterval.String())
	v.SetDefault("detection.buffer_slack", d.BufferSlack)
	v.SetDefault("detection.min_data_points", d.MinDataPoints)
	v.SetDefault("detection.flash_loan_min_amount_usd", d.FlashLoanMinAmountUSD)
	v.SetDefault("detection.sandwich_profit_threshold_usd", d.SandwichProfitThresholdUSD)
	v.SetDefault("detection.liquidity_change_threshold", d.LiquidityChangeThreshold)
	v.SetDefault("detection.sandwich_max_gap", d.SandwichMaxGap.String())
	v.SetDefault("detection.notification_cooldown", d.NotificationCooldown.String())
	v.SetDefault("detection.max_detection_history_size", d.MaxDetectionHistorySize)
	rules := make([]string, 0, len(d.EnabledRules))
	for _, r := range d.EnabledRules {
		rules = append(rules, string(r))
	}
	v.SetDefault("detection.enabled_rules", rules)

	c := consensus.DefaultConfig()
	v.SetDefault("consensus.time_window", c.TimeWindow.String())
	v.SetDefault("consensus.stale_after", c.StaleAfter.String())
	v.SetDefault("consensus.clock_skew", c.ClockSkew.String())
	v.SetDefault("consensus.min_data_points", c.MinDataPoints)
	v.SetDefault("consensus.warning_threshold", c.WarningThreshold)
	v.SetDefault("consensus.critical_threshold", c.CriticalThreshold)
	v.SetDefault("consensus.max_price_deviation_percent", c.MaxPriceDeviationPercent)
	v.SetDefault("consensus.reliability_window", c.ReliabilityWindow.String())

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "oraclewatch")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "oracle-events")
	v.SetDefault("kafka.client_id", "oraclewatch")
	v.SetDefault("kafka.batch_timeout", "1s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", "720h")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be greater than zero")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}
	if err := c.Detection.Engine().Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	if err := c.Consensus.Engine().Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	for i, w := range c.Transactions.Watch {
		if strings.TrimSpace(w.Symbol) == "" {
			return fmt.Errorf("transactions.watch[%d].symbol must be set", i)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers 必须配置")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic 必须配置")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr 必须配置")
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// NormalizedSymbols returns the configured symbols upper-cased and de-duplicated.
func (c *Config) NormalizedSymbols() []string {
	seen := make(map[string]struct{}, len(c.Symbols))
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
