// Package config loads engine configuration: defaults, then an optional YAML
// file, then environment overrides. Secrets are accepted from the environment
// only.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Spot     VenueConfig    `yaml:"spot"`
	Perp     VenueConfig    `yaml:"perp"`
	Engine   EngineParams   `yaml:"engine"`
}

// DatabaseConfig points at the Postgres instance backing the order store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// RedisConfig points at the price cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`
}

// VenueConfig holds one venue's endpoints and credentials. Credentials come
// from the environment, never from the YAML file.
type VenueConfig struct {
	BaseURL           string  `yaml:"base_url" validate:"required,url"`
	WSURL             string  `yaml:"ws_url" validate:"required"`
	APIKey            string  `yaml:"-" validate:"required"`
	APISecret         string  `yaml:"-" validate:"required"`
	Testnet           bool    `yaml:"testnet"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

// EngineParams are the execution-protocol knobs. Tests inject
// millisecond-scale values; production uses the defaults below.
type EngineParams struct {
	MaxSpreadPercent    decimal.Decimal // abort threshold, percent
	SpreadSanityPercent decimal.Decimal // data-error threshold, percent
	PriceFreshness      time.Duration   // max quote age
	PollInterval        time.Duration   // Phase 1 status poll
	ModifyInterval      time.Duration   // Phase 1 modification cycle
	NakedAttemptWait    time.Duration   // Phase 2 per-attempt sleep
	NakedAttempts       int             // Phase 2 bounded attempts before fallback
	MarketFillWait      time.Duration   // Phase 2 market-order fill budget

	// Hybrid submit-confirmation protocol.
	ConfirmStreamBudget time.Duration // stream wait before REST fallback
	ConfirmTotalBudget  time.Duration // stream + REST ceiling
	ConfirmEarlyAccept  time.Duration // no-rejection-by-now means accepted
	ConfirmPollInterval time.Duration

	MaxTickRetries int // post-only ladder width before a fresh-LTP cycle

	// Dual-source status verification retry shape.
	StatusRetries           int
	StatusRetryDelay        time.Duration
	AggressiveStatusRetries int
	AggressiveStatusDelay   time.Duration

	ResidualUSDThreshold decimal.Decimal // below this, skipped top-up is "negligible"
}

// engineParamsYAML is the file-facing shape of EngineParams; durations are
// strings ("5s", "500ms") and percents are floats.
type engineParamsYAML struct {
	MaxSpreadPercent        *float64 `yaml:"max_spread_percent"`
	SpreadSanityPercent     *float64 `yaml:"spread_sanity_percent"`
	PriceFreshness          *string  `yaml:"price_freshness"`
	PollInterval            *string  `yaml:"poll_interval"`
	ModifyInterval          *string  `yaml:"modify_interval"`
	NakedAttemptWait        *string  `yaml:"naked_attempt_wait"`
	NakedAttempts           *int     `yaml:"naked_attempts"`
	MarketFillWait          *string  `yaml:"market_fill_wait"`
	ConfirmStreamBudget     *string  `yaml:"confirm_stream_budget"`
	ConfirmTotalBudget      *string  `yaml:"confirm_total_budget"`
	ConfirmEarlyAccept      *string  `yaml:"confirm_early_accept"`
	ConfirmPollInterval     *string  `yaml:"confirm_poll_interval"`
	MaxTickRetries          *int     `yaml:"max_tick_retries"`
	StatusRetries           *int     `yaml:"status_retries"`
	StatusRetryDelay        *string  `yaml:"status_retry_delay"`
	AggressiveStatusRetries *int     `yaml:"aggressive_status_retries"`
	AggressiveStatusDelay   *string  `yaml:"aggressive_status_delay"`
	ResidualUSDThreshold    *float64 `yaml:"residual_usd_threshold"`
}

// UnmarshalYAML overlays file values onto whatever the params already hold,
// so defaults survive fields the file omits.
func (p *EngineParams) UnmarshalYAML(value *yaml.Node) error {
	var raw engineParamsYAML
	if err := value.Decode(&raw); err != nil {
		return errors.Wrap(err, "decoding engine params")
	}

	setDuration := func(dst *time.Duration, src *string, name string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
		*dst = d
		return nil
	}

	if raw.MaxSpreadPercent != nil {
		p.MaxSpreadPercent = decimal.NewFromFloat(*raw.MaxSpreadPercent)
	}
	if raw.SpreadSanityPercent != nil {
		p.SpreadSanityPercent = decimal.NewFromFloat(*raw.SpreadSanityPercent)
	}
	if raw.ResidualUSDThreshold != nil {
		p.ResidualUSDThreshold = decimal.NewFromFloat(*raw.ResidualUSDThreshold)
	}
	if raw.NakedAttempts != nil {
		p.NakedAttempts = *raw.NakedAttempts
	}
	if raw.MaxTickRetries != nil {
		p.MaxTickRetries = *raw.MaxTickRetries
	}
	if raw.StatusRetries != nil {
		p.StatusRetries = *raw.StatusRetries
	}
	if raw.AggressiveStatusRetries != nil {
		p.AggressiveStatusRetries = *raw.AggressiveStatusRetries
	}

	for _, item := range []struct {
		dst  *time.Duration
		src  *string
		name string
	}{
		{&p.PriceFreshness, raw.PriceFreshness, "price_freshness"},
		{&p.PollInterval, raw.PollInterval, "poll_interval"},
		{&p.ModifyInterval, raw.ModifyInterval, "modify_interval"},
		{&p.NakedAttemptWait, raw.NakedAttemptWait, "naked_attempt_wait"},
		{&p.MarketFillWait, raw.MarketFillWait, "market_fill_wait"},
		{&p.ConfirmStreamBudget, raw.ConfirmStreamBudget, "confirm_stream_budget"},
		{&p.ConfirmTotalBudget, raw.ConfirmTotalBudget, "confirm_total_budget"},
		{&p.ConfirmEarlyAccept, raw.ConfirmEarlyAccept, "confirm_early_accept"},
		{&p.ConfirmPollInterval, raw.ConfirmPollInterval, "confirm_poll_interval"},
		{&p.StatusRetryDelay, raw.StatusRetryDelay, "status_retry_delay"},
		{&p.AggressiveStatusDelay, raw.AggressiveStatusDelay, "aggressive_status_delay"},
	} {
		if err := setDuration(item.dst, item.src, item.name); err != nil {
			return err
		}
	}
	return nil
}

// DefaultEngineParams returns the production protocol constants.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		MaxSpreadPercent:        decimal.NewFromFloat(0.2),
		SpreadSanityPercent:     decimal.NewFromFloat(5.0),
		PriceFreshness:          10 * time.Second,
		PollInterval:            time.Second,
		ModifyInterval:          5 * time.Second,
		NakedAttemptWait:        5 * time.Second,
		NakedAttempts:           2,
		MarketFillWait:          30 * time.Second,
		ConfirmStreamBudget:     2 * time.Second,
		ConfirmTotalBudget:      2500 * time.Millisecond,
		ConfirmEarlyAccept:      500 * time.Millisecond,
		ConfirmPollInterval:     100 * time.Millisecond,
		MaxTickRetries:          4,
		StatusRetries:           5,
		StatusRetryDelay:        300 * time.Millisecond,
		AggressiveStatusRetries: 10,
		AggressiveStatusDelay:   500 * time.Millisecond,
		ResidualUSDThreshold:    decimal.NewFromInt(1),
	}
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN: "postgres://localhost:5432/hedge?sslmode=disable",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Spot: VenueConfig{
			BaseURL:           "https://api.bybit.com",
			WSURL:             "wss://stream.bybit.com/v5/private",
			RequestsPerSecond: 10,
		},
		Perp: VenueConfig{
			BaseURL:           "https://api.coindcx.com",
			WSURL:             "wss://stream.coindcx.com",
			RequestsPerSecond: 10,
		},
		Engine: DefaultEngineParams(),
	}
}

// Load builds the configuration: defaults, YAML file when path is non-empty,
// then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HEDGE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("HEDGE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("HEDGE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("HEDGE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	c.Spot.APIKey = os.Getenv("SPOT_API_KEY")
	c.Spot.APISecret = os.Getenv("SPOT_API_SECRET")
	c.Perp.APIKey = os.Getenv("PERP_API_KEY")
	c.Perp.APISecret = os.Getenv("PERP_API_SECRET")
	if v := os.Getenv("SPOT_TESTNET"); v != "" {
		c.Spot.Testnet, _ = strconv.ParseBool(v)
	}
	if c.Spot.Testnet {
		c.Spot.BaseURL = "https://api-testnet.bybit.com"
		c.Spot.WSURL = "wss://stream-testnet.bybit.com/v5/private"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if !c.Engine.MaxSpreadPercent.IsPositive() {
		return errors.New("engine.max_spread_percent must be positive")
	}
	if c.Engine.SpreadSanityPercent.LessThanOrEqual(c.Engine.MaxSpreadPercent) {
		return errors.New("engine.spread_sanity_percent must exceed max_spread_percent")
	}
	if c.Engine.PriceFreshness <= 0 {
		return errors.New("engine.price_freshness must be positive")
	}
	if c.Engine.NakedAttempts < 1 {
		return errors.New("engine.naked_attempts must be at least 1")
	}
	if c.Engine.MaxTickRetries < 1 {
		return errors.New("engine.max_tick_retries must be at least 1")
	}
	return nil
}
