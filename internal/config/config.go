// Package config defines all configuration for the SCALE_T ladder fleet.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// keys overridable via SCALET_* environment variables; the Redis address
// and the brokerage credentials are read from REDIS_* and ALPACA_* variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"scale-t-fleet/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Brokerage BrokerageConfig `mapstructure:"brokerage"`
	Bus       BusConfig       `mapstructure:"bus"`
	Ladder    LadderConfig    `mapstructure:"ladder"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
}

// BrokerageConfig holds brokerage REST/streaming endpoints and credentials.
// KeyID/Secret are resolved per Mode from mode-specific env vars
// (ALPACA_PAPER_KEY_ID/SECRET or ALPACA_LIVE_KEY_ID/SECRET), never from YAML.
type BrokerageConfig struct {
	RESTBaseURL   string        `mapstructure:"rest_base_url"`
	StreamDataURL string        `mapstructure:"stream_data_url"`
	StreamTradeURL string       `mapstructure:"stream_trade_url"`
	Mode          types.Mode    `mapstructure:"mode"`
	KeyID         string        `mapstructure:"-"`
	Secret        string        `mapstructure:"-"`
	DryRun        bool          `mapstructure:"dry_run"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BusConfig points at the Redis pub/sub broker.
type BusConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	DB   int    `mapstructure:"db"`
}

// LadderConfig tunes the scale-in/scale-out ladder strategy.
//
//   - Tickers: the set of symbols this fleet deployment trades, one worker per ticker.
//   - SpreadPct: the construction-time spread between buy_price and sell_price on a line (e.g. 0.005 for 0.5%).
//   - CancelBuyThresholdPct / CancelSellThresholdPct: how far price must move against a
//     pending order before it is cancelled (e.g. 0.0025 for 0.25%, applied as ref*(1+pct) / ref*(1-pct)).
//   - ChaseStepCents: the per-chase price increment applied to the top line (always $0.01 per spec).
//   - MinNotionalUSD: the minimum dollar value a redistributed line must retain (the $2 rule).
//   - ManualReconcileCooldown: minimum time between rate-limited manual reconciliation fetches.
type LadderConfig struct {
	Tickers                 []string      `mapstructure:"tickers"`
	SpreadPct               float64       `mapstructure:"spread_pct"`
	CancelBuyThresholdPct   float64       `mapstructure:"cancel_buy_threshold_pct"`
	CancelSellThresholdPct  float64       `mapstructure:"cancel_sell_threshold_pct"`
	ChaseStepCents          float64       `mapstructure:"chase_step_cents"`
	MinNotionalUSD          float64       `mapstructure:"min_notional_usd"`
	ManualReconcileCooldown time.Duration `mapstructure:"manual_reconcile_cooldown"`
}

// StoreConfig sets where ladder files, diagnostic state, and logs live.
type StoreConfig struct {
	DataRoot string `mapstructure:"data_root"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// GatewayConfig controls the Broker Gateway's stream keepalive, read
// deadline and reconnect tuning; used only by cmd/gateway.
type GatewayConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: REDIS_HOST, REDIS_PORT, REDIS_DB, and the
// mode-specific brokerage key pair (ALPACA_PAPER_KEY_ID/SECRET or
// ALPACA_LIVE_KEY_ID/SECRET, selected by brokerage.mode).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCALET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Brokerage.Mode == "" {
		cfg.Brokerage.Mode = types.ModePaper
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Bus.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := parsePort(port); err == nil {
			cfg.Bus.Port = p
		}
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := parsePort(db); err == nil {
			cfg.Bus.DB = d
		}
	}

	keyName, secretName := credentialEnvNames(cfg.Brokerage.Mode)
	cfg.Brokerage.KeyID = os.Getenv(keyName)
	cfg.Brokerage.Secret = os.Getenv(secretName)

	if os.Getenv("SCALET_DRY_RUN") == "true" || os.Getenv("SCALET_DRY_RUN") == "1" {
		cfg.Brokerage.DryRun = true
	}

	return &cfg, nil
}

// ApplyMode overrides the brokerage mode (e.g. from a worker's CLI argument)
// and re-resolves the mode-specific credential pair, since Load already
// resolved credentials against whatever mode the YAML file declared.
func (c *Config) ApplyMode(mode types.Mode) {
	c.Brokerage.Mode = mode
	keyName, secretName := credentialEnvNames(mode)
	c.Brokerage.KeyID = os.Getenv(keyName)
	c.Brokerage.Secret = os.Getenv(secretName)
}

// credentialEnvNames returns the mode-specific env var names for the
// brokerage key-id/secret pair, matching the original fleet's convention of
// keeping paper and live credentials under distinct names so a misconfigured
// deployment cannot accidentally trade live with paper intent or vice versa.
func credentialEnvNames(mode types.Mode) (keyName, secretName string) {
	if mode == types.ModeLive {
		return "ALPACA_LIVE_KEY_ID", "ALPACA_LIVE_SECRET"
	}
	return "ALPACA_PAPER_KEY_ID", "ALPACA_PAPER_SECRET"
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Ladder.Tickers) == 0 {
		return fmt.Errorf("ladder.tickers must list at least one symbol")
	}
	if c.Store.DataRoot == "" {
		return fmt.Errorf("store.data_root is required")
	}
	if c.Ladder.SpreadPct <= 0 {
		return fmt.Errorf("ladder.spread_pct must be > 0")
	}
	if c.Ladder.CancelBuyThresholdPct <= 0 {
		return fmt.Errorf("ladder.cancel_buy_threshold_pct must be > 0")
	}
	if c.Ladder.CancelSellThresholdPct <= 0 {
		return fmt.Errorf("ladder.cancel_sell_threshold_pct must be > 0")
	}
	if c.Ladder.MinNotionalUSD <= 0 {
		return fmt.Errorf("ladder.min_notional_usd must be > 0")
	}
	if c.Brokerage.RESTBaseURL == "" {
		return fmt.Errorf("brokerage.rest_base_url is required")
	}
	switch c.Brokerage.Mode {
	case types.ModePaper, types.ModeLive:
	default:
		return fmt.Errorf("brokerage.mode must be %q or %q", types.ModePaper, types.ModeLive)
	}
	if !c.Brokerage.DryRun && (c.Brokerage.KeyID == "" || c.Brokerage.Secret == "") {
		return fmt.Errorf("missing brokerage credentials for mode %q", c.Brokerage.Mode)
	}
	return nil
}

// TickerFilePath returns the path of the CSV ladder file for a ticker,
// matching the original fleet's <DATA_ROOT>/ticker_data/<mode>/<TICKER>.csv
// (or <TICKER>_<custom_id>.csv) convention.
func (c *Config) TickerFilePath(ticker string, customID string) string {
	name := strings.ToUpper(ticker)
	if customID != "" {
		name = name + "_" + customID
	}
	return fmt.Sprintf("%s/ticker_data/%s/%s.csv", c.Store.DataRoot, c.Brokerage.Mode, name)
}
