package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"broker-bridge/internal/types"

	"gopkg.in/yaml.v3"
)

const (
	ModeDryRun = "DRY_RUN"
	ModeLive   = "LIVE"
)

const (
	StrategyHold     = "hold"
	StrategySMACross = "sma_cross"
)

// DefaultPath is read when BRIDGE_CONFIG is unset.
const DefaultPath = "config.yaml"

type Credentials struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
	Path     string `yaml:"path"`
}

type InstrumentLimits struct {
	MinQty      float64 `yaml:"min_qty"`
	QtyStep     float64 `yaml:"qty_step"`
	MaxQty      float64 `yaml:"max_qty"`
	MaxNotional float64 `yaml:"max_notional"`
	StartPrice  float64 `yaml:"start_price"` // paper broker only
}

type Config struct {
	Mode           string      `yaml:"mode"`
	Exchange       string      `yaml:"exchange"`
	Product        string      `yaml:"product"`
	Symbols        []string    `yaml:"symbols"`
	StartingEquity float64     `yaml:"starting_equity"`
	Credentials    Credentials `yaml:"credentials"`

	Instruments map[string]InstrumentLimits `yaml:"instruments"`

	Bars struct {
		Interval    time.Duration `yaml:"interval"`
		HistorySize int           `yaml:"history_size"`
	} `yaml:"bars"`

	Ingest struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		PollTimeout  time.Duration `yaml:"poll_timeout"`
		MaxBatch     int           `yaml:"max_batch"`
		Lookback     time.Duration `yaml:"lookback"`
		MaxBackfill  time.Duration `yaml:"max_backfill"`
		SafetyMargin time.Duration `yaml:"safety_margin"`
		StaleAfter   time.Duration `yaml:"stale_after"`
		FlushGrace   time.Duration `yaml:"flush_grace"`
	} `yaml:"ingest"`

	Session struct {
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		MaxReconnects     int           `yaml:"max_reconnects"`
		BackoffBase       time.Duration `yaml:"backoff_base"`
		BackoffMax        time.Duration `yaml:"backoff_max"`
		BackoffFactor     float64       `yaml:"backoff_factor"`
	} `yaml:"session"`

	Risk struct {
		MaxLeverage       float64 `yaml:"max_leverage"`
		MaxSymbolNotional float64 `yaml:"max_symbol_notional"`
		MaxDailyLossBps   float64 `yaml:"max_daily_loss_bps"`
		MinSizePolicy     string  `yaml:"min_size_policy"`
	} `yaml:"risk"`

	Reconcile struct {
		FlattenTimeout time.Duration `yaml:"flatten_timeout"`
	} `yaml:"reconcile"`

	Broker struct {
		OrdersPerSec float64 `yaml:"orders_per_sec"`
		TickBuffer   int     `yaml:"tick_buffer"`
		Deviation    int     `yaml:"deviation"` // ticks; negative sends plain market orders
	} `yaml:"broker"`

	Paper struct {
		Spread    float64       `yaml:"spread"`
		TickEvery time.Duration `yaml:"tick_every"`
		StepPct   float64       `yaml:"step_pct"`
		FeeRate   float64       `yaml:"fee_rate"`
		Seed      int64         `yaml:"seed"`
	} `yaml:"paper"`

	Strategy struct {
		Name string  `yaml:"name"`
		Fast int     `yaml:"fast"`
		Slow int     `yaml:"slow"`
		Qty  float64 `yaml:"qty"`
	} `yaml:"strategy"`

	Storage struct {
		StatePath     string `yaml:"state_path"`
		TradeLogDir   string `yaml:"trade_log_dir"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"storage"`
}

// Path returns the config file location, honouring BRIDGE_CONFIG.
func Path() string {
	if p := os.Getenv("BRIDGE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDryRun
	}
	c.Mode = strings.ToUpper(c.Mode)
	if c.StartingEquity == 0 {
		c.StartingEquity = 100_000
	}
	if c.Bars.Interval == 0 {
		c.Bars.Interval = 60 * time.Second
	}
	if c.Bars.HistorySize == 0 {
		c.Bars.HistorySize = 500
	}
	if c.Ingest.PollInterval == 0 {
		c.Ingest.PollInterval = time.Second
	}
	if c.Ingest.PollTimeout == 0 {
		c.Ingest.PollTimeout = 5 * time.Second
	}
	if c.Ingest.MaxBatch == 0 {
		c.Ingest.MaxBatch = 500
	}
	if c.Ingest.Lookback == 0 {
		c.Ingest.Lookback = 5 * time.Second
	}
	if c.Ingest.MaxBackfill == 0 {
		c.Ingest.MaxBackfill = 5 * time.Minute
	}
	if c.Ingest.SafetyMargin == 0 {
		c.Ingest.SafetyMargin = 500 * time.Millisecond
	}
	if c.Ingest.StaleAfter == 0 {
		c.Ingest.StaleAfter = 300 * time.Second
	}
	if c.Ingest.FlushGrace == 0 {
		c.Ingest.FlushGrace = 2 * time.Second
	}
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = 10 * time.Second
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = 15 * time.Second
	}
	if c.Session.HeartbeatTimeout == 0 {
		c.Session.HeartbeatTimeout = 5 * time.Second
	}
	if c.Session.MaxReconnects == 0 {
		c.Session.MaxReconnects = 3
	}
	if c.Session.BackoffBase == 0 {
		c.Session.BackoffBase = time.Second
	}
	if c.Session.BackoffMax == 0 {
		c.Session.BackoffMax = 60 * time.Second
	}
	if c.Session.BackoffFactor == 0 {
		c.Session.BackoffFactor = 2
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 5
	}
	c.Risk.MinSizePolicy = strings.ToLower(c.Risk.MinSizePolicy)
	if c.Risk.MinSizePolicy == "" {
		c.Risk.MinSizePolicy = "reject"
	}
	if c.Reconcile.FlattenTimeout == 0 {
		c.Reconcile.FlattenTimeout = 30 * time.Second
	}
	if c.Broker.OrdersPerSec == 0 {
		c.Broker.OrdersPerSec = 8
	}
	if c.Broker.Deviation == 0 {
		c.Broker.Deviation = 20
	}
	if c.Paper.Spread == 0 {
		c.Paper.Spread = 0.05
	}
	if c.Paper.TickEvery == 0 {
		c.Paper.TickEvery = 250 * time.Millisecond
	}
	c.Strategy.Name = strings.ToLower(c.Strategy.Name)
	if c.Strategy.Name == "" {
		c.Strategy.Name = StrategyHold
	}
	if c.Strategy.Fast == 0 {
		c.Strategy.Fast = 9
	}
	if c.Strategy.Slow == 0 {
		c.Strategy.Slow = 21
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "data/bridge.db"
	}
	if c.Storage.TradeLogDir == "" {
		c.Storage.TradeLogDir = "logs/trades"
	}
}

// ApplyEnv overrides the credentials block from BROKER_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BROKER_LOGIN"); v != "" {
		c.Credentials.Login = v
	}
	if v := os.Getenv("BROKER_PASSWORD"); v != "" {
		c.Credentials.Password = v
	}
	if v := os.Getenv("BROKER_SERVER"); v != "" {
		c.Credentials.Server = v
	}
	if v := os.Getenv("BROKER_PATH"); v != "" {
		c.Credentials.Path = v
	}
}

func (c *Config) Validate() error {
	if c.Mode != ModeDryRun && c.Mode != ModeLive {
		return &types.ConfigurationError{Field: "mode", Msg: fmt.Sprintf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)}
	}
	if len(c.Symbols) == 0 {
		return &types.ConfigurationError{Field: "symbols", Msg: "symbols cannot be empty"}
	}
	if c.Bars.Interval < time.Second {
		return &types.ConfigurationError{Field: "bars.interval", Msg: fmt.Sprintf("must be at least 1s, got %s", c.Bars.Interval)}
	}
	if c.Ingest.MaxBatch < 1 {
		return &types.ConfigurationError{Field: "ingest.max_batch", Msg: "must be positive"}
	}
	if c.Risk.MaxLeverage <= 0 {
		return &types.ConfigurationError{Field: "risk.max_leverage", Msg: fmt.Sprintf("must be positive, got %.2f", c.Risk.MaxLeverage)}
	}
	if c.Risk.MaxDailyLossBps < 0 {
		return &types.ConfigurationError{Field: "risk.max_daily_loss_bps", Msg: "must not be negative"}
	}
	switch c.Risk.MinSizePolicy {
	case "reject", "round_up":
	default:
		return &types.ConfigurationError{Field: "risk.min_size_policy", Msg: fmt.Sprintf("must be 'reject' or 'round_up', got '%s'", c.Risk.MinSizePolicy)}
	}
	switch c.Strategy.Name {
	case StrategyHold:
	case StrategySMACross:
		if c.Strategy.Fast < 1 || c.Strategy.Slow <= c.Strategy.Fast {
			return &types.ConfigurationError{Field: "strategy", Msg: fmt.Sprintf("need 0 < fast < slow, got fast=%d slow=%d", c.Strategy.Fast, c.Strategy.Slow)}
		}
		if c.Strategy.Qty <= 0 {
			return &types.ConfigurationError{Field: "strategy.qty", Msg: "must be positive"}
		}
	default:
		return &types.ConfigurationError{Field: "strategy.name", Msg: fmt.Sprintf("unknown strategy '%s'", c.Strategy.Name)}
	}
	for sym, in := range c.Instruments {
		if in.MinQty < 0 || in.QtyStep < 0 || in.MaxQty < 0 {
			return &types.ConfigurationError{Field: "instruments." + sym, Msg: "quantities must not be negative"}
		}
		if in.MaxQty > 0 && in.MaxQty < in.MinQty {
			return &types.ConfigurationError{Field: "instruments." + sym, Msg: "max_qty is below min_qty"}
		}
	}

	if c.Mode == ModeLive {
		if c.Credentials.Login == "" {
			return &types.ConfigurationError{Field: "credentials.login", Msg: "LIVE mode requires a login (BROKER_LOGIN)"}
		}
		var missing []string
		if c.Credentials.Password == "" {
			missing = append(missing, "password (BROKER_PASSWORD)")
		}
		if c.Credentials.Server == "" {
			missing = append(missing, "server (BROKER_SERVER)")
		}
		if len(missing) > 0 {
			return &types.ConfigurationError{Field: "credentials", Msg: "login is set but " + strings.Join(missing, " and ") + " missing"}
		}
	}
	return nil
}

// BrokerCredentials converts the credentials block.
func (c *Config) BrokerCredentials() types.Credentials {
	return types.Credentials{
		Login:    c.Credentials.Login,
		Password: c.Credentials.Password,
		Server:   c.Credentials.Server,
		Path:     c.Credentials.Path,
	}
}

// Parse decodes, defaults, applies env overrides and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, &types.ConfigurationError{Field: "yaml", Msg: err.Error()}
	}
	c.ApplyDefaults()
	c.ApplyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &types.ConfigurationError{Field: "path", Msg: fmt.Sprintf("config file %s not found", path)}
		}
		return nil, err
	}
	return Parse(b)
}
