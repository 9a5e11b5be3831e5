package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestValidateRejectsNoStrategies(t *testing.T) {
	cfg := Defaults()
	cfg.Strategy.Basic.Enabled = false
	cfg.Strategy.Adaptive.Enabled = false
	cfg.Strategy.StatArb.Enabled = false
	require.Error(t, cfg.Validate())
}

func TestValidateTradeModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	require.Error(t, cfg.Validate())

	cfg.Exchange.ApiKey = "k"
	cfg.Exchange.ApiSecret = "s"
	require.NoError(t, cfg.Validate())
}

func TestValidateStatArbPairs(t *testing.T) {
	cfg := Defaults()
	cfg.Strategy.StatArb.Enabled = true
	require.Error(t, cfg.Validate(), "no pairs configured")

	cfg.Strategy.StatArb.Pairs = []PairConfig{{Base: "BTCUSDT", Leg: "BTCUSDT"}}
	require.Error(t, cfg.Validate(), "pair legs must differ")

	cfg.Strategy.StatArb.Pairs = []PairConfig{{Base: "BTCUSDT", Leg: "ETHUSDT"}}
	require.NoError(t, cfg.Validate())
}

func TestLoadTOMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "paper"
log_level = "debug"

[data]
symbols = ["ETHUSDT", "SOLUSDT"]
tick_interval = "2s"

[risk]
max_drawdown_pct = 3.0

[strategy.adaptive]
enabled = true
order_size = 0.02
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("MMBOT_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MMBOT_RISK_MAX_DRAWDOWN_PCT", "4.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, cfg.Data.Symbols)
	assert.Equal(t, 2*time.Second, cfg.Data.TickInterval.Duration)
	assert.True(t, cfg.Strategy.Adaptive.Enabled)
	assert.Equal(t, 0.02, cfg.Strategy.Adaptive.OrderSize)

	// env wins over file
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 4.5, cfg.Risk.MaxDrawdownPct)

	// untouched fields keep defaults
	assert.Equal(t, 3, cfg.Execution.RetryAttempts)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Risk.MaxPositionSize, cfg.Risk.MaxPositionSize)
}

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "mmbot", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/mmbot?sslmode=disable", p.ConnString())

	p.DSN = "postgres://override"
	assert.Equal(t, "postgres://override", p.ConnString())
}
