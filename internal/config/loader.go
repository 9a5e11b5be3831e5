package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration from the TOML file at path (optional), merges it
// over Defaults and applies MMBOT_* environment overrides. A .env file in the
// working directory is loaded first if present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides config fields from MMBOT_* environment variables.
// Secrets are intentionally env-only in production deployments.
func applyEnv(c *Config) {
	setStr("MMBOT_MODE", &c.Mode)
	setStr("MMBOT_LOG_LEVEL", &c.LogLevel)

	setStr("MMBOT_EXCHANGE_NAME", &c.Exchange.Name)
	setStr("MMBOT_EXCHANGE_WS_HOST", &c.Exchange.WsHost)
	setStr("MMBOT_EXCHANGE_REST_HOST", &c.Exchange.RestHost)
	setStr("MMBOT_EXCHANGE_API_KEY", &c.Exchange.ApiKey)
	setStr("MMBOT_EXCHANGE_API_SECRET", &c.Exchange.ApiSecret)

	setStr("MMBOT_POSTGRES_DSN", &c.Postgres.DSN)
	setStr("MMBOT_POSTGRES_HOST", &c.Postgres.Host)
	setInt("MMBOT_POSTGRES_PORT", &c.Postgres.Port)
	setStr("MMBOT_POSTGRES_DATABASE", &c.Postgres.Database)
	setStr("MMBOT_POSTGRES_USER", &c.Postgres.User)
	setStr("MMBOT_POSTGRES_PASSWORD", &c.Postgres.Password)
	setStr("MMBOT_POSTGRES_SSL_MODE", &c.Postgres.SSLMode)

	setStr("MMBOT_REDIS_ADDR", &c.Redis.Addr)
	setStr("MMBOT_REDIS_PASSWORD", &c.Redis.Password)
	setInt("MMBOT_REDIS_DB", &c.Redis.DB)
	setBool("MMBOT_REDIS_TLS", &c.Redis.TLSEnabled)

	setStr("MMBOT_S3_ENDPOINT", &c.S3.Endpoint)
	setStr("MMBOT_S3_REGION", &c.S3.Region)
	setStr("MMBOT_S3_BUCKET", &c.S3.Bucket)
	setStr("MMBOT_S3_ACCESS_KEY", &c.S3.AccessKey)
	setStr("MMBOT_S3_SECRET_KEY", &c.S3.SecretKey)

	setStrs("MMBOT_SYMBOLS", &c.Data.Symbols)
	setDur("MMBOT_TICK_INTERVAL", &c.Data.TickInterval)
	setDur("MMBOT_FRESHNESS", &c.Data.Freshness)

	setFloat("MMBOT_RISK_INITIAL_CAPITAL", &c.Risk.InitialCapital)
	setFloat("MMBOT_RISK_MAX_POSITION_SIZE", &c.Risk.MaxPositionSize)
	setFloat("MMBOT_RISK_MAX_DRAWDOWN_PCT", &c.Risk.MaxDrawdownPct)

	setInt("MMBOT_EXEC_RETRY_ATTEMPTS", &c.Execution.RetryAttempts)
	setDur("MMBOT_EXEC_RETRY_DELAY", &c.Execution.RetryDelay)
	setBool("MMBOT_EXEC_USE_ICEBERG", &c.Execution.UseIceberg)

	setStr("MMBOT_TELEGRAM_TOKEN", &c.Notify.TelegramToken)
	setStr("MMBOT_TELEGRAM_CHAT_ID", &c.Notify.TelegramChatID)
	setStr("MMBOT_DISCORD_WEBHOOK_URL", &c.Notify.DiscordWebhookURL)
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrs(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDur(key string, dst *duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// ConnString builds a pgx connection string from the Postgres config when no
// explicit DSN is provided.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}
