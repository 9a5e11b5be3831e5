// Package config defines the top-level configuration for the market-making
// bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MMBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Data      DataConfig      `toml:"data"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Combiner  CombinerConfig  `toml:"combiner"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds exchange endpoints and credentials.
type ExchangeConfig struct {
	Name      string `toml:"name"`
	WsHost    string `toml:"ws_host"`
	RestHost  string `toml:"rest_host"`
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// DataConfig holds market-data cache parameters.
type DataConfig struct {
	Symbols []string `toml:"symbols"`
	// TickInterval is the evaluation cadence per symbol.
	TickInterval duration `toml:"tick_interval"`
	// Freshness is the maximum snapshot age before reads fail with DataStale.
	Freshness duration `toml:"freshness"`
	// CandleInterval is the bucketing interval of the rolling history.
	CandleInterval duration `toml:"candle_interval"`
	// WindowSize is the ring buffer capacity in candles.
	WindowSize int `toml:"window_size"`
	// DepthLevels is how many book levels enter the depth-weighted midprice.
	DepthLevels int `toml:"depth_levels"`
	// ShortMA / LongMA are the trend moving-average lengths in candles.
	ShortMA int `toml:"short_ma"`
	LongMA  int `toml:"long_ma"`
}

// StrategyConfig selects and parameterizes the strategy set. Each variant has
// its own validated parameter structure; the active set is built at startup.
type StrategyConfig struct {
	Basic    BasicStrategyConfig    `toml:"basic"`
	Adaptive AdaptiveStrategyConfig `toml:"adaptive"`
	StatArb  StatArbStrategyConfig  `toml:"stat_arb"`
}

// BasicStrategyConfig parameterizes the fixed-spread market-making strategy.
type BasicStrategyConfig struct {
	Enabled bool `toml:"enabled"`
	// SpreadBidPct / SpreadAskPct are percentage offsets around midprice.
	SpreadBidPct float64 `toml:"spread_bid_pct"`
	SpreadAskPct float64 `toml:"spread_ask_pct"`
	OrderSize    float64 `toml:"order_size"`
	MaxPosition  float64 `toml:"max_position"`
}

// AdaptiveStrategyConfig parameterizes the adaptive market-making strategy.
// Factor values are exponents/multipliers applied to the indicator ratios.
type AdaptiveStrategyConfig struct {
	Enabled             bool    `toml:"enabled"`
	SpreadBidPct        float64 `toml:"spread_bid_pct"`
	SpreadAskPct        float64 `toml:"spread_ask_pct"`
	OrderSize           float64 `toml:"order_size"`
	MaxPosition         float64 `toml:"max_position"`
	VolatilityFactor    float64 `toml:"volatility_factor"`
	VolumeFactor        float64 `toml:"volume_factor"`
	TrendFactor         float64 `toml:"trend_factor"`
	LiquidityFactor     float64 `toml:"liquidity_factor"`
	MeanReversionFactor float64 `toml:"mean_reversion_factor"`
	// AIFactor weights the optional model score when a scorer is wired.
	AIFactor float64 `toml:"ai_factor"`
	// Spread multiplier clamps keep quotes sane under extreme indicators.
	MinSpreadMultiplier float64 `toml:"min_spread_multiplier"`
	MaxSpreadMultiplier float64 `toml:"max_spread_multiplier"`
	MinSizeMultiplier   float64 `toml:"min_size_multiplier"`
	MaxSizeMultiplier   float64 `toml:"max_size_multiplier"`
}

// PairConfig names one stat-arb pair: quantities of Leg quoted against Base.
type PairConfig struct {
	Base string `toml:"base"`
	Leg  string `toml:"leg"`
}

// StatArbStrategyConfig parameterizes the statistical-arbitrage strategy.
type StatArbStrategyConfig struct {
	Enabled bool         `toml:"enabled"`
	Pairs   []PairConfig `toml:"pairs"`
	// ZScoreThreshold is the entry threshold; ExitThreshold the smaller band
	// inside which both legs are flattened.
	ZScoreThreshold float64 `toml:"z_score_threshold"`
	ExitThreshold   float64 `toml:"exit_threshold"`
	// HalfLife controls the exponential decay of the rolling hedge ratio and
	// spread statistics, expressed in ticks.
	HalfLife  float64 `toml:"half_life"`
	OrderSize float64 `toml:"order_size"`
	// MinSamples is the number of observations required before signaling.
	MinSamples int `toml:"min_samples"`
}

// CombinerConfig holds signal-combination parameters.
type CombinerConfig struct {
	// RebalanceInterval is how often performance weights are renormalized.
	RebalanceInterval duration `toml:"rebalance_interval"`
	// PerfHalfLife is the exponential-decay half-life, in rebalances, of the
	// per-strategy Sharpe-like performance score.
	PerfHalfLife float64 `toml:"perf_half_life"`
	// MinNetSize suppresses combined signals below this size.
	MinNetSize float64 `toml:"min_net_size"`
}

// RiskConfig holds risk-gating thresholds.
type RiskConfig struct {
	InitialCapital  float64 `toml:"initial_capital"`
	MaxPositionSize float64 `toml:"max_position_size"`
	MaxDrawdownPct  float64 `toml:"max_drawdown_pct"`
	StopLossPct     float64 `toml:"stop_loss_pct"`
	TakeProfitPct   float64 `toml:"take_profit_pct"`
	MaxOpenOrders   int     `toml:"max_open_orders"`
	// Anomaly thresholds are ratios against the rolling averages.
	VolatilityThreshold  float64  `toml:"volatility_threshold"`
	VolumeSpikeThreshold float64  `toml:"volume_spike_threshold"`
	SpreadAnomalyRatio   float64  `toml:"spread_anomaly_ratio"`
	AnomalyCooldown      duration `toml:"anomaly_cooldown"`
}

// ExecutionConfig holds order-execution parameters.
type ExecutionConfig struct {
	OrderType      string   `toml:"order_type"`
	MaxSlippageBps float64  `toml:"max_slippage_bps"`
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryDelay     duration `toml:"retry_delay"`
	// MaxOrderAge triggers proactive cancel + requote of resting orders.
	MaxOrderAge duration `toml:"max_order_age"`
	// SubmitTimeout bounds each blocking call to the exchange.
	SubmitTimeout duration `toml:"submit_timeout"`
	// Iceberg slicing: orders larger than IcebergThreshold are split into
	// children of VisibleFraction * size each.
	UseIceberg       bool    `toml:"use_iceberg"`
	IcebergThreshold float64 `toml:"iceberg_threshold"`
	VisibleFraction  float64 `toml:"visible_fraction"`
}

// ArchiveConfig holds retention parameters for the S3 archiver.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:     "binance",
			WsHost:   "wss://stream.binance.com:9443",
			RestHost: "https://api.binance.com",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "mmbot",
			User:          "mmbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mmbot-data",
			ForcePathStyle: true,
		},
		Data: DataConfig{
			Symbols:        []string{"BTCUSDT"},
			TickInterval:   duration{time.Second},
			Freshness:      duration{5 * time.Second},
			CandleInterval: duration{time.Minute},
			WindowSize:     120,
			DepthLevels:    5,
			ShortMA:        10,
			LongMA:         30,
		},
		Strategy: StrategyConfig{
			Basic: BasicStrategyConfig{
				Enabled:      true,
				SpreadBidPct: 0.1,
				SpreadAskPct: 0.1,
				OrderSize:    0.01,
				MaxPosition:  1.0,
			},
			Adaptive: AdaptiveStrategyConfig{
				SpreadBidPct:        0.1,
				SpreadAskPct:        0.1,
				OrderSize:           0.01,
				MaxPosition:         1.0,
				VolatilityFactor:    1.0,
				VolumeFactor:        1.0,
				TrendFactor:         0.5,
				LiquidityFactor:     1.0,
				MeanReversionFactor: 0.5,
				MinSpreadMultiplier: 0.5,
				MaxSpreadMultiplier: 3.0,
				MinSizeMultiplier:   0.5,
				MaxSizeMultiplier:   2.0,
			},
			StatArb: StatArbStrategyConfig{
				ZScoreThreshold: 2.0,
				ExitThreshold:   0.5,
				HalfLife:        60,
				OrderSize:       0.01,
				MinSamples:      30,
			},
		},
		Combiner: CombinerConfig{
			RebalanceInterval: duration{time.Minute},
			PerfHalfLife:      24,
			MinNetSize:        0.0001,
		},
		Risk: RiskConfig{
			InitialCapital:       10_000,
			MaxPositionSize:      1.0,
			MaxDrawdownPct:       5.0,
			StopLossPct:          2.0,
			TakeProfitPct:        5.0,
			MaxOpenOrders:        10,
			VolatilityThreshold:  3.0,
			VolumeSpikeThreshold: 5.0,
			SpreadAnomalyRatio:   3.0,
			AnomalyCooldown:      duration{time.Minute},
		},
		Execution: ExecutionConfig{
			OrderType:        "limit",
			MaxSlippageBps:   10,
			RetryAttempts:    3,
			RetryDelay:       duration{time.Second},
			MaxOrderAge:      duration{5 * time.Minute},
			SubmitTimeout:    duration{5 * time.Second},
			IcebergThreshold: 0.1,
			VisibleFraction:  0.2,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// Validate performs a fail-fast sanity check of the configuration. A non-nil
// error means trading must not start.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Mode) {
	case "trade", "paper", "monitor":
	default:
		problems = append(problems, fmt.Sprintf("mode %q is not one of trade, paper, monitor", c.Mode))
	}

	if len(c.Data.Symbols) == 0 {
		problems = append(problems, "data.symbols must not be empty")
	}
	if c.Data.TickInterval.Duration <= 0 {
		problems = append(problems, "data.tick_interval must be positive")
	}
	if c.Data.Freshness.Duration <= 0 {
		problems = append(problems, "data.freshness must be positive")
	}
	if c.Data.WindowSize < 2 {
		problems = append(problems, "data.window_size must be at least 2")
	}
	if c.Data.DepthLevels <= 0 {
		problems = append(problems, "data.depth_levels must be positive")
	}
	if c.Data.ShortMA <= 0 || c.Data.LongMA <= c.Data.ShortMA {
		problems = append(problems, "data.long_ma must exceed data.short_ma, both positive")
	}

	if !c.Strategy.Basic.Enabled && !c.Strategy.Adaptive.Enabled && !c.Strategy.StatArb.Enabled {
		problems = append(problems, "at least one strategy must be enabled")
	}
	if c.Strategy.Basic.Enabled {
		if c.Strategy.Basic.SpreadBidPct <= 0 || c.Strategy.Basic.SpreadAskPct <= 0 {
			problems = append(problems, "strategy.basic spreads must be positive")
		}
		if c.Strategy.Basic.OrderSize <= 0 {
			problems = append(problems, "strategy.basic.order_size must be positive")
		}
	}
	if c.Strategy.Adaptive.Enabled {
		a := c.Strategy.Adaptive
		if a.MinSpreadMultiplier <= 0 || a.MaxSpreadMultiplier < a.MinSpreadMultiplier {
			problems = append(problems, "strategy.adaptive spread multiplier bounds are inverted")
		}
		if a.MinSizeMultiplier <= 0 || a.MaxSizeMultiplier < a.MinSizeMultiplier {
			problems = append(problems, "strategy.adaptive size multiplier bounds are inverted")
		}
		if a.OrderSize <= 0 {
			problems = append(problems, "strategy.adaptive.order_size must be positive")
		}
	}
	if c.Strategy.StatArb.Enabled {
		sa := c.Strategy.StatArb
		if len(sa.Pairs) == 0 {
			problems = append(problems, "strategy.stat_arb.pairs must not be empty")
		}
		for _, p := range sa.Pairs {
			if p.Base == "" || p.Leg == "" || p.Base == p.Leg {
				problems = append(problems, fmt.Sprintf("strategy.stat_arb pair %q/%q is invalid", p.Base, p.Leg))
			}
		}
		if sa.ZScoreThreshold <= 0 {
			problems = append(problems, "strategy.stat_arb.z_score_threshold must be positive")
		}
		if sa.ExitThreshold < 0 || sa.ExitThreshold >= sa.ZScoreThreshold {
			problems = append(problems, "strategy.stat_arb.exit_threshold must be in [0, z_score_threshold)")
		}
		if sa.HalfLife <= 0 {
			problems = append(problems, "strategy.stat_arb.half_life must be positive")
		}
	}

	if c.Combiner.RebalanceInterval.Duration <= 0 {
		problems = append(problems, "combiner.rebalance_interval must be positive")
	}
	if c.Combiner.PerfHalfLife <= 0 {
		problems = append(problems, "combiner.perf_half_life must be positive")
	}

	if c.Risk.MaxPositionSize <= 0 {
		problems = append(problems, "risk.max_position_size must be positive")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 100 {
		problems = append(problems, "risk.max_drawdown_pct must be in (0, 100)")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		problems = append(problems, "risk.max_open_orders must be positive")
	}
	if c.Risk.InitialCapital <= 0 {
		problems = append(problems, "risk.initial_capital must be positive")
	}

	switch c.Execution.OrderType {
	case "limit", "market":
	default:
		problems = append(problems, fmt.Sprintf("execution.order_type %q is not limit or market", c.Execution.OrderType))
	}
	if c.Execution.RetryAttempts < 0 {
		problems = append(problems, "execution.retry_attempts must not be negative")
	}
	if c.Execution.RetryDelay.Duration < 0 {
		problems = append(problems, "execution.retry_delay must not be negative")
	}
	if c.Execution.MaxOrderAge.Duration <= 0 {
		problems = append(problems, "execution.max_order_age must be positive")
	}
	if c.Execution.UseIceberg {
		if c.Execution.VisibleFraction <= 0 || c.Execution.VisibleFraction > 1 {
			problems = append(problems, "execution.visible_fraction must be in (0, 1]")
		}
		if c.Execution.IcebergThreshold <= 0 {
			problems = append(problems, "execution.iceberg_threshold must be positive")
		}
	}

	if strings.ToLower(c.Mode) == "trade" {
		if c.Exchange.ApiKey == "" || c.Exchange.ApiSecret == "" {
			problems = append(problems, "exchange credentials are required in trade mode")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
