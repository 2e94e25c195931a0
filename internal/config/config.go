package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"PerpSettle/internal/fixed"
	"PerpSettle/internal/state"
)

// Config is the full process configuration, loaded from YAML with
// selected fields overridable through environment variables. Rates and
// ratios are written as decimals in the file and converted to
// fixed-point at load time.
type Config struct {
	App struct {
		Name         string          `yaml:"name"`
		Market       string          `yaml:"market"`
		PayoffKind   string          `yaml:"payoff_kind"`
		PayoffFactor decimal.Decimal `yaml:"payoff_factor"`
	} `yaml:"app"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Database struct {
		DSN            string `yaml:"dsn"`
		MigrationsDir  string `yaml:"migrations_dir"`
		BatchSize      int    `yaml:"batch_size"`
		FlushTimeoutMS int    `yaml:"flush_timeout_ms"`
	} `yaml:"database"`

	Feed struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"feed"`

	HTTP struct {
		MetricsAddr string `yaml:"metrics_addr"`
		QueryAddr   string `yaml:"query_addr"`
	} `yaml:"http"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`

	Snapshot struct {
		EveryEvents int64 `yaml:"every_events"`
	} `yaml:"snapshot"`

	Risk     RiskConfig     `yaml:"risk"`
	Protocol ProtocolConfig `yaml:"protocol"`
}

// RiskConfig is the market's default risk parameter set in decimal form.
type RiskConfig struct {
	Maintenance    decimal.Decimal `yaml:"maintenance"`
	TakerFee       decimal.Decimal `yaml:"taker_fee"`
	TakerSkewFee   decimal.Decimal `yaml:"taker_skew_fee"`
	TakerImpactFee decimal.Decimal `yaml:"taker_impact_fee"`
	MakerFee       decimal.Decimal `yaml:"maker_fee"`
	MakerImpactFee decimal.Decimal `yaml:"maker_impact_fee"`
	FundingFee     decimal.Decimal `yaml:"funding_fee"`

	PositionLimit   decimal.Decimal `yaml:"position_limit"`
	EfficiencyLimit decimal.Decimal `yaml:"efficiency_limit"`

	LiquidationFee    decimal.Decimal `yaml:"liquidation_fee"`
	MinLiquidationFee decimal.Decimal `yaml:"min_liquidation_fee"`
	MaxLiquidationFee decimal.Decimal `yaml:"max_liquidation_fee"`
	MinMaintenance    decimal.Decimal `yaml:"min_maintenance"`

	MinRate           decimal.Decimal `yaml:"min_rate"`
	MaxRate           decimal.Decimal `yaml:"max_rate"`
	TargetRate        decimal.Decimal `yaml:"target_rate"`
	TargetUtilization decimal.Decimal `yaml:"target_utilization"`

	ControllerK   decimal.Decimal `yaml:"controller_k"`
	ControllerMax decimal.Decimal `yaml:"controller_max"`

	StaleAfterSec    int64 `yaml:"stale_after_sec"`
	MakerReceiveOnly bool  `yaml:"maker_receive_only"`
	Closed           bool  `yaml:"closed"`
}

// ProtocolConfig carries the protocol-wide caps in decimal form.
type ProtocolConfig struct {
	MaxFee         decimal.Decimal `yaml:"max_fee"`
	MaxFeeAbsolute decimal.Decimal `yaml:"max_fee_absolute"`
	MaxCut         decimal.Decimal `yaml:"max_cut"`
	MaxRate        decimal.Decimal `yaml:"max_rate"`
	MinMaintenance decimal.Decimal `yaml:"min_maintenance"`
	MinEfficiency  decimal.Decimal `yaml:"min_efficiency"`
}

// Load reads and parses a YAML config file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides connection strings from the environment so secrets
// stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SETTLE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SETTLE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SETTLE_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("SETTLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.BatchSize <= 0 {
		c.Database.BatchSize = 100
	}
	if c.Database.FlushTimeoutMS <= 0 {
		c.Database.FlushTimeoutMS = 10
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "migrations"
	}
	if c.HTTP.MetricsAddr == "" {
		c.HTTP.MetricsAddr = ":9091"
	}
	if c.HTTP.QueryAddr == "" {
		c.HTTP.QueryAddr = ":8080"
	}
	if c.Snapshot.EveryEvents <= 0 {
		c.Snapshot.EveryEvents = 100_000
	}
	if c.App.PayoffKind == "" {
		c.App.PayoffKind = "identity"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.App.Market == "" {
		return fmt.Errorf("app.market is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or SETTLE_DB_DSN)")
	}
	if c.Feed.Enabled {
		if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
			return fmt.Errorf("invalid feed URL: %s", c.Feed.URL)
		}
	}
	if c.Risk.TargetUtilization.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.target_utilization must be <= 1")
	}
	return nil
}

// RiskParameter converts the decimal risk config to fixed-point.
func (c *Config) RiskParameter() (state.RiskParameter, error) {
	conv := newConverter()
	p := state.RiskParameter{
		Maintenance:    conv.fixed("risk.maintenance", c.Risk.Maintenance),
		TakerFee:       conv.fixed("risk.taker_fee", c.Risk.TakerFee),
		TakerSkewFee:   conv.fixed("risk.taker_skew_fee", c.Risk.TakerSkewFee),
		TakerImpactFee: conv.fixed("risk.taker_impact_fee", c.Risk.TakerImpactFee),
		MakerFee:       conv.fixed("risk.maker_fee", c.Risk.MakerFee),
		MakerImpactFee: conv.fixed("risk.maker_impact_fee", c.Risk.MakerImpactFee),
		FundingFee:     conv.fixed("risk.funding_fee", c.Risk.FundingFee),

		PositionLimit:   conv.fixed("risk.position_limit", c.Risk.PositionLimit),
		EfficiencyLimit: conv.fixed("risk.efficiency_limit", c.Risk.EfficiencyLimit),

		LiquidationFee:    conv.fixed("risk.liquidation_fee", c.Risk.LiquidationFee),
		MinLiquidationFee: conv.fixed("risk.min_liquidation_fee", c.Risk.MinLiquidationFee),
		MaxLiquidationFee: conv.fixed("risk.max_liquidation_fee", c.Risk.MaxLiquidationFee),
		MinMaintenance:    conv.fixed("risk.min_maintenance", c.Risk.MinMaintenance),

		Curve: state.UtilizationCurve{
			MinRate:           conv.fixed("risk.min_rate", c.Risk.MinRate),
			MaxRate:           conv.fixed("risk.max_rate", c.Risk.MaxRate),
			TargetRate:        conv.fixed("risk.target_rate", c.Risk.TargetRate),
			TargetUtilization: conv.fixed("risk.target_utilization", c.Risk.TargetUtilization),
		},
		PController: state.Controller{
			K:   conv.fixed("risk.controller_k", c.Risk.ControllerK),
			Max: conv.fixed("risk.controller_max", c.Risk.ControllerMax),
		},

		StaleAfter:       c.Risk.StaleAfterSec,
		MakerReceiveOnly: c.Risk.MakerReceiveOnly,
		Closed:           c.Risk.Closed,
	}
	return p, conv.err
}

// ProtocolParameter converts the decimal protocol caps to fixed-point.
func (c *Config) ProtocolParameter() (state.ProtocolParameter, error) {
	conv := newConverter()
	p := state.ProtocolParameter{
		MaxFee:         conv.fixed("protocol.max_fee", c.Protocol.MaxFee),
		MaxFeeAbsolute: conv.fixed("protocol.max_fee_absolute", c.Protocol.MaxFeeAbsolute),
		MaxCut:         conv.fixed("protocol.max_cut", c.Protocol.MaxCut),
		MaxRate:        conv.fixed("protocol.max_rate", c.Protocol.MaxRate),
		MinMaintenance: conv.fixed("protocol.min_maintenance", c.Protocol.MinMaintenance),
		MinEfficiency:  conv.fixed("protocol.min_efficiency", c.Protocol.MinEfficiency),
	}
	return p, conv.err
}

// PayoffFactor converts the configured payoff factor to fixed-point.
func (c *Config) PayoffFactor() (int64, error) {
	conv := newConverter()
	f := conv.fixed("app.payoff_factor", c.App.PayoffFactor)
	return f, conv.err
}

// converter accumulates the first conversion error across many fields.
type converter struct {
	err error
}

func newConverter() *converter {
	return &converter{}
}

func (cv *converter) fixed(name string, d decimal.Decimal) int64 {
	scaled := d.Shift(int32(fixed.DecimalPrecision))
	if !scaled.IsInteger() {
		scaled = scaled.Round(0)
	}
	if !scaled.BigInt().IsInt64() {
		if cv.err == nil {
			cv.err = fmt.Errorf("%s: value %s out of fixed-point range", name, d)
		}
		return 0
	}
	return scaled.BigInt().Int64()
}
