// Package config defines all configuration for the hedging engine.
// Config is loaded from a YAML file (default: config.yaml) with sensitive
// fields overridable via HEDGERD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun             bool                          `mapstructure:"dry_run"`
	DoubleLimitEnabled bool                          `mapstructure:"double_limit_enabled"`
	AllowPartialHedge  bool                          `mapstructure:"allow_partial_hedge"`
	MultiLegEnabled    bool                          `mapstructure:"multi_leg_enabled"`
	MultiLegSizes      []string                      `mapstructure:"multi_leg_sizes"`
	HedgeMaxRetries    int                           `mapstructure:"hedge_max_retries"`
	MarketHedge        MarketHedgeConfig             `mapstructure:"market_hedge_mode"`
	Exchanges          ExchangeRoutingConfig         `mapstructure:"exchanges"`
	Venues             map[string]VenueConfig        `mapstructure:"venues"`
	Fees               map[string]FeeConfig          `mapstructure:"fees"`
	Accounts           []AccountConfig               `mapstructure:"accounts"`
	MarketPairs        []MarketPairConfig            `mapstructure:"market_pairs"`
	Database           DatabaseConfig                `mapstructure:"database"`
	RateLimits         map[string]RateLimitConfig    `mapstructure:"rate_limits"`
	Connectivity       map[string]ConnectivityConfig `mapstructure:"connectivity"`
	Orders             OrdersConfig                  `mapstructure:"orders"`
	Reconciler         ReconcilerConfig              `mapstructure:"reconciler"`
	Telegram           TelegramConfig                `mapstructure:"telegram"`
	API                APIConfig                     `mapstructure:"api"`
	Logging            LoggingConfig                 `mapstructure:"logging"`
}

// MarketHedgeConfig tunes the spread-entry strategy and the hedge leg.
//
//   - HedgeRatio: fraction of each primary fill to offset (1.0 = full hedge).
//   - MaxSlippage: ceiling on |vwap - top| / top for the hedge leg.
//   - MinSpreadForEntry: net spread required before a primary order is placed.
//   - CancelSpread: pull the resting primary when net spread drops below this.
//   - MaxOrderAge: cancel the resting primary after this age.
//   - ExposureCap: max gross exposure (size x price) across open orders per pair.
//   - CoolDown: how long an account stays blocked after an incident.
//   - MaxOpenOrders: per-pair cap on simultaneously open orders.
//   - BalanceSafetyMargin: fraction of available balance usable for one order.
//   - DefaultSize: notional used by spread evaluation and /simulate defaults.
type MarketHedgeConfig struct {
	HedgeRatio          float64       `mapstructure:"hedge_ratio"`
	MaxSlippage         float64       `mapstructure:"max_slippage"`
	MinSpreadForEntry   float64       `mapstructure:"min_spread_for_entry"`
	CancelSpread        float64       `mapstructure:"cancel_spread"`
	MaxOrderAge         time.Duration `mapstructure:"max_order_age"`
	ExposureCap         float64       `mapstructure:"exposure_cap"`
	CoolDown            time.Duration `mapstructure:"cool_down"`
	MaxOpenOrders       int           `mapstructure:"max_open_orders"`
	BalanceSafetyMargin float64       `mapstructure:"balance_safety_margin"`
	DefaultSize         float64       `mapstructure:"default_size"`
}

// ExchangeRoutingConfig designates which venue rests the primary leg and
// which receives the hedge.
type ExchangeRoutingConfig struct {
	Primary   string `mapstructure:"primary"`
	Secondary string `mapstructure:"secondary"`
}

// VenueConfig holds per-venue endpoints and market mechanics.
// ProvidesFillID marks venues whose fill events carry a stable fill id;
// the reconciler falls back to watermark deltas when they do not.
type VenueConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WSURL          string `mapstructure:"ws_url"`
	ChainID        int    `mapstructure:"chain_id"`
	SignatureType  int    `mapstructure:"signature_type"`
	LotStep        string `mapstructure:"lot_step"`
	ProvidesFillID bool   `mapstructure:"provides_fill_id"`
}

// FeeConfig holds maker/taker fee rates as fractions (0.01 = 1%).
type FeeConfig struct {
	Maker float64 `mapstructure:"maker"`
	Taker float64 `mapstructure:"taker"`
}

// AccountConfig is one venue credential set. Rate/Burst override the venue
// rate limit for this account when non-zero.
type AccountConfig struct {
	ID            string  `mapstructure:"id"`
	Venue         string  `mapstructure:"venue"`
	APIKey        string  `mapstructure:"api_key"`
	APISecret     string  `mapstructure:"api_secret"`
	Passphrase    string  `mapstructure:"passphrase"`
	PrivateKey    string  `mapstructure:"private_key"`
	FunderAddress string  `mapstructure:"funder_address"`
	Proxy         string  `mapstructure:"proxy"`
	Rate          float64 `mapstructure:"rate"`
	Burst         int     `mapstructure:"burst"`
}

// MarketPairConfig couples one market per venue for a single event.
type MarketPairConfig struct {
	PairID             string `mapstructure:"pair_id"`
	PrimaryMarketID    string `mapstructure:"primary_market_id"`
	SecondaryMarketID  string `mapstructure:"secondary_market_id"`
	PrimaryAccountID   string `mapstructure:"primary_account_id"`
	SecondaryAccountID string `mapstructure:"secondary_account_id"`
	Enabled            bool   `mapstructure:"enabled"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Backend      string `mapstructure:"backend"` // "sqlite" or "postgres"
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RateLimitConfig is a token bucket: sustained requests per second plus burst.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// ConnectivityConfig selects push vs pull fill delivery per venue.
type ConnectivityConfig struct {
	UseWebsocket bool          `mapstructure:"use_websocket"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// OrdersConfig tunes the order manager's retry and deadline behavior.
// MaxAttempts bounds place/cancel retries on transient venue errors.
type OrdersConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	PlaceTimeout  time.Duration `mapstructure:"place_timeout"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
	BookTimeout   time.Duration `mapstructure:"book_timeout"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
}

// ReconcilerConfig tunes fill-stream merging.
// SeenCapacity bounds the in-memory dedup set; size it at ten times the
// expected number of open orders or more.
type ReconcilerConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	SeenCapacity   int           `mapstructure:"seen_capacity"`
}

// TelegramConfig controls operator notifications.
type TelegramConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BotToken  string        `mapstructure:"bot_token"`
	ChatID    string        `mapstructure:"chat_id"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// APIConfig controls the read-only control surface.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HEDGERD_TELEGRAM_BOT_TOKEN, HEDGERD_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HEDGERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if token := os.Getenv("HEDGERD_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if dsn := os.Getenv("HEDGERD_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if os.Getenv("HEDGERD_DRY_RUN") == "true" || os.Getenv("HEDGERD_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("market_hedge_mode.hedge_ratio", 1.0)
	v.SetDefault("market_hedge_mode.max_slippage", 0.01)
	v.SetDefault("market_hedge_mode.max_order_age", "60s")
	v.SetDefault("market_hedge_mode.cool_down", "60s")
	v.SetDefault("market_hedge_mode.max_open_orders", 4)
	v.SetDefault("market_hedge_mode.balance_safety_margin", 0.95)
	v.SetDefault("market_hedge_mode.default_size", 10.0)
	v.SetDefault("hedge_max_retries", 2)
	v.SetDefault("orders.max_attempts", 3)
	v.SetDefault("orders.place_timeout", "5s")
	v.SetDefault("orders.cancel_timeout", "5s")
	v.SetDefault("orders.book_timeout", "2s")
	v.SetDefault("orders.tick_interval", "500ms")
	v.SetDefault("reconciler.stale_threshold", "30s")
	v.SetDefault("reconciler.seen_capacity", 4096)
	v.SetDefault("database.backend", "sqlite")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchanges.Primary == "" || c.Exchanges.Secondary == "" {
		return fmt.Errorf("exchanges.primary and exchanges.secondary are required")
	}
	if c.Exchanges.Primary == c.Exchanges.Secondary {
		return fmt.Errorf("exchanges.primary and exchanges.secondary must differ")
	}
	for _, venue := range []string{c.Exchanges.Primary, c.Exchanges.Secondary} {
		vc, ok := c.Venues[venue]
		if !ok {
			return fmt.Errorf("venues.%s is required (referenced by exchanges routing)", venue)
		}
		if vc.BaseURL == "" {
			return fmt.Errorf("venues.%s.base_url is required", venue)
		}
	}
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.backend must be one of: sqlite, postgres")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set HEDGERD_DATABASE_DSN)")
	}
	if c.MarketHedge.HedgeRatio <= 0 {
		return fmt.Errorf("market_hedge_mode.hedge_ratio must be > 0")
	}
	if c.MarketHedge.MaxSlippage < 0 {
		return fmt.Errorf("market_hedge_mode.max_slippage must be >= 0")
	}
	if c.MarketHedge.MinSpreadForEntry < 0 {
		return fmt.Errorf("market_hedge_mode.min_spread_for_entry must be >= 0")
	}
	if c.MarketHedge.BalanceSafetyMargin <= 0 || c.MarketHedge.BalanceSafetyMargin > 1 {
		return fmt.Errorf("market_hedge_mode.balance_safety_margin must be in (0, 1]")
	}
	if c.Orders.MaxAttempts <= 0 {
		return fmt.Errorf("orders.max_attempts must be > 0")
	}
	if c.MultiLegEnabled && len(c.MultiLegSizes) == 0 {
		return fmt.Errorf("multi_leg_sizes is required when multi_leg_enabled is true")
	}
	for i, p := range c.MarketPairs {
		if p.PairID == "" {
			return fmt.Errorf("market_pairs[%d].pair_id is required", i)
		}
		if p.PrimaryMarketID == "" || p.SecondaryMarketID == "" {
			return fmt.Errorf("market_pairs[%d] needs primary_market_id and secondary_market_id", i)
		}
	}
	for i, a := range c.Accounts {
		if a.ID == "" || a.Venue == "" {
			return fmt.Errorf("accounts[%d] needs id and venue", i)
		}
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram.enabled")
	}
	return nil
}

// EnabledPairs returns market pairs with enabled=true.
func (c *Config) EnabledPairs() []MarketPairConfig {
	out := make([]MarketPairConfig, 0, len(c.MarketPairs))
	for _, p := range c.MarketPairs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// VenueRateLimit returns the configured limit for a venue, or a conservative
// default when none is configured.
func (c *Config) VenueRateLimit(venue string) RateLimitConfig {
	if rl, ok := c.RateLimits[venue]; ok && rl.Rate > 0 {
		return rl
	}
	return RateLimitConfig{Rate: 5, Burst: 10}
}

// VenueConnectivity returns the fill-delivery mode for a venue, defaulting
// to websocket with a 5s poll fallback interval.
func (c *Config) VenueConnectivity(venue string) ConnectivityConfig {
	if cc, ok := c.Connectivity[venue]; ok {
		if cc.PollInterval <= 0 {
			cc.PollInterval = 5 * time.Second
		}
		return cc
	}
	return ConnectivityConfig{UseWebsocket: true, PollInterval: 5 * time.Second}
}
