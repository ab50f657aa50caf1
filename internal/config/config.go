// Package config defines all configuration for the exchange simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// scalar fields overridable via OPTX_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange    ExchangeConfig        `mapstructure:"exchange"`
	Sessions    SessionsConfig        `mapstructure:"sessions"`
	Coordinator CoordinatorConfig     `mapstructure:"coordinator"`
	Instruments []InstrumentConfig    `mapstructure:"instruments"`
	Roles       map[string]RoleConfig `mapstructure:"roles"`
	Teams       []TeamConfig          `mapstructure:"teams"`
	Server      ServerConfig          `mapstructure:"server"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// ExchangeConfig tunes the order pipeline.
//
//   - PhaseCheckInterval: how often the poller samples the trading calendar
//     for phase transitions.
//   - OrderQueueSize: capacity of the bounded validator/matcher queues.
//     Submissions beyond it wait up to OrderQueueTimeout, then fail with
//     SERVICE_OVERLOADED.
//   - BookDepth: number of aggregated price levels in book snapshots and
//     book-update broadcasts.
type ExchangeConfig struct {
	PhaseCheckInterval time.Duration `mapstructure:"phase_check_interval"`
	OrderQueueSize     int           `mapstructure:"order_queue_size"`
	OrderQueueTimeout  time.Duration `mapstructure:"order_queue_timeout"`
	BookDepth          int           `mapstructure:"book_depth"`
}

// SessionsConfig is the trading calendar: a finite list of weekly windows,
// all interpreted in Timezone. Phases are derived from wall-clock time, so
// two calls with the same clock always agree.
type SessionsConfig struct {
	Timezone string          `mapstructure:"timezone"`
	Windows  []SessionWindow `mapstructure:"windows"`
}

// SessionWindow is one recurring trading day template.
//
//   - Days: weekday names ("Mon".."Sun", full names accepted).
//   - Open/Close: local wall-clock times, "HH:MM".
//   - PreOpenMinutes: order accumulation window before the open.
//   - AuctionCallSeconds: length of the opening auction phase at the open.
type SessionWindow struct {
	Days               []string `mapstructure:"days"`
	Open               string   `mapstructure:"open"`
	Close              string   `mapstructure:"close"`
	PreOpenMinutes     int      `mapstructure:"pre_open_minutes"`
	AuctionCallSeconds int      `mapstructure:"auction_call_seconds"`
}

// CoordinatorConfig bounds the synchronous request/response bridge.
//
//   - MaxPendingRequests: hard cap on in-flight requests; registrations
//     beyond it are refused with SERVICE_OVERLOADED.
//   - DefaultTimeout: how long a submitter waits for a pipeline outcome
//     before receiving TIMEOUT.
//   - CleanupInterval: janitor sweep cadence for abandoned entries.
type CoordinatorConfig struct {
	MaxPendingRequests int           `mapstructure:"max_pending_requests"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
}

// InstrumentConfig describes one listed option contract. The instrument set
// is fixed for the lifetime of a run.
type InstrumentConfig struct {
	Symbol     string  `mapstructure:"symbol"`
	Underlying string  `mapstructure:"underlying"`
	OptionType string  `mapstructure:"option_type"`
	Strike     float64 `mapstructure:"strike"`
	Expiry     string  `mapstructure:"expiry"`
}

// RoleConfig holds the fee schedule and risk constraints for one trading role.
// Role names are referenced by teams; a team with a role not present here is
// rejected at load time.
type RoleConfig struct {
	Fees        FeesConfig         `mapstructure:"fees"`
	Constraints []ConstraintConfig `mapstructure:"constraints"`
}

// FeesConfig is a per-contract fee schedule, decimal strings to avoid float
// drift ("0.15" = 15 cents per contract). MakerRebate is credited to resting
// liquidity, TakerFee debited from aggressing liquidity.
type FeesConfig struct {
	MakerRebate string `mapstructure:"maker_rebate"`
	TakerFee    string `mapstructure:"taker_fee"`
}

// ConstraintConfig is one risk constraint in role configuration. Type selects
// the variant; only that variant's fields are read:
//
//   - "position_limit": MaxPosition, Symmetric
//   - "instrument_allowed": Instruments
//   - "order_rate": MaxOrdersPerSecond
//
// Unknown types are rejected when the validator loads the role.
type ConstraintConfig struct {
	Type               string   `mapstructure:"type"`
	MaxPosition        int64    `mapstructure:"max_position"`
	Symmetric          bool     `mapstructure:"symmetric"`
	Instruments        []string `mapstructure:"instruments"`
	MaxOrdersPerSecond int      `mapstructure:"max_orders_per_second"`
}

// TeamConfig registers one trading team. APISecret is the shared HMAC key for
// REST and websocket authentication.
type TeamConfig struct {
	ID        string `mapstructure:"id"`
	Role      string `mapstructure:"role"`
	APISecret string `mapstructure:"api_secret"`
}

// ServerConfig controls the HTTP/websocket server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	AuthSkew       time.Duration `mapstructure:"auth_skew"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (OPTX_ prefix,
// dots replaced by underscores: OPTX_SERVER_PORT, OPTX_LOGGING_LEVEL, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills cadence and capacity fields left at zero. The trading
// calendar, instruments, roles and teams have no defaults: a run without them
// is a config error, caught by Validate.
func (c *Config) applyDefaults() {
	if c.Exchange.PhaseCheckInterval <= 0 {
		c.Exchange.PhaseCheckInterval = 250 * time.Millisecond
	}
	if c.Exchange.OrderQueueSize <= 0 {
		c.Exchange.OrderQueueSize = 1024
	}
	if c.Exchange.OrderQueueTimeout <= 0 {
		c.Exchange.OrderQueueTimeout = 2 * time.Second
	}
	if c.Exchange.BookDepth <= 0 {
		c.Exchange.BookDepth = 10
	}
	if c.Coordinator.MaxPendingRequests <= 0 {
		c.Coordinator.MaxPendingRequests = 1024
	}
	if c.Coordinator.DefaultTimeout <= 0 {
		c.Coordinator.DefaultTimeout = 5 * time.Second
	}
	if c.Coordinator.CleanupInterval <= 0 {
		c.Coordinator.CleanupInterval = 30 * time.Second
	}
	if c.Sessions.Timezone == "" {
		c.Sessions.Timezone = "UTC"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.AuthSkew <= 0 {
		c.Server.AuthSkew = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks all required fields and value ranges. Constraint semantics
// (unknown kinds, per-kind parameters) are checked by the risk validator when
// roles are loaded; session times are parsed by the phase schedule.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Sessions.Timezone); err != nil {
		return fmt.Errorf("sessions.timezone: %w", err)
	}
	if len(c.Sessions.Windows) == 0 {
		return fmt.Errorf("sessions.windows must list at least one trading window")
	}
	for i, w := range c.Sessions.Windows {
		if len(w.Days) == 0 {
			return fmt.Errorf("sessions.windows[%d].days is required", i)
		}
		if _, err := time.Parse("15:04", w.Open); err != nil {
			return fmt.Errorf("sessions.windows[%d].open: %w", i, err)
		}
		if _, err := time.Parse("15:04", w.Close); err != nil {
			return fmt.Errorf("sessions.windows[%d].close: %w", i, err)
		}
		if w.PreOpenMinutes < 0 {
			return fmt.Errorf("sessions.windows[%d].pre_open_minutes must be >= 0", i)
		}
		if w.AuctionCallSeconds < 0 {
			return fmt.Errorf("sessions.windows[%d].auction_call_seconds must be >= 0", i)
		}
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments must list at least one contract")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instruments[%d].symbol is required", i)
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("instruments[%d]: duplicate symbol %q", i, inst.Symbol)
		}
		seen[inst.Symbol] = true
	}
	for name, role := range c.Roles {
		if _, err := decimal.NewFromString(role.Fees.MakerRebate); err != nil {
			return fmt.Errorf("roles.%s.fees.maker_rebate: %w", name, err)
		}
		if _, err := decimal.NewFromString(role.Fees.TakerFee); err != nil {
			return fmt.Errorf("roles.%s.fees.taker_fee: %w", name, err)
		}
	}
	if len(c.Teams) == 0 {
		return fmt.Errorf("teams must list at least one team")
	}
	for i, team := range c.Teams {
		if team.ID == "" {
			return fmt.Errorf("teams[%d].id is required", i)
		}
		if team.APISecret == "" {
			return fmt.Errorf("teams[%d].api_secret is required (team %s)", i, team.ID)
		}
		if _, ok := c.Roles[team.Role]; !ok {
			return fmt.Errorf("teams[%d]: role %q is not defined under roles (team %s)", i, team.Role, team.ID)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	return nil
}
