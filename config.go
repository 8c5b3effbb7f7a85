package positions

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config carries every knob of the engine. It is explicit state passed to
// NewEngine, never global.
type Config struct {
	// MatchingRule selects lots on closes. Default FIFO.
	MatchingRule MatchingRule `json:"matching_rule" yaml:"matching_rule"`

	// QuantityTolerance is the reconciliation tolerance on quantities, in
	// units. Default 1e-6.
	QuantityTolerance float64 `json:"quantity_tolerance" yaml:"quantity_tolerance"`

	// ValueTolerance is the reconciliation tolerance on monetary fields,
	// in major units. Zero means one minor unit of the field's currency.
	ValueTolerance float64 `json:"value_tolerance,omitempty" yaml:"value_tolerance,omitempty"`

	// ReinvestmentRule controls dividend settlement. Default none.
	ReinvestmentRule ReinvestmentRule `json:"reinvestment_rule" yaml:"reinvestment_rule"`

	// MWRTolerance is the convergence tolerance of the IRR solver.
	// Default 1e-8.
	MWRTolerance float64 `json:"mwr_tolerance" yaml:"mwr_tolerance"`

	// MWRMaxIterations bounds the IRR solver. Default 100.
	MWRMaxIterations int `json:"mwr_max_iterations" yaml:"mwr_max_iterations"`

	// Workers is the number of (account, instrument) pairs processed
	// concurrently. Default NumCPU.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MatchingRule:      FIFO,
		QuantityTolerance: 1e-6,
		ReinvestmentRule:  NoReinvestment,
		MWRTolerance:      1e-8,
		MWRMaxIterations:  100,
		Workers:           runtime.NumCPU(),
	}
}

// Validate checks the configuration and fills zero fields with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.QuantityTolerance == 0 {
		c.QuantityTolerance = def.QuantityTolerance
	}
	if c.QuantityTolerance < 0 {
		return fmt.Errorf("quantity_tolerance must not be negative, got %g", c.QuantityTolerance)
	}
	if c.ValueTolerance < 0 {
		return fmt.Errorf("value_tolerance must not be negative, got %g", c.ValueTolerance)
	}
	if c.MWRTolerance == 0 {
		c.MWRTolerance = def.MWRTolerance
	}
	if c.MWRTolerance <= 0 {
		return fmt.Errorf("mwr_tolerance must be positive, got %g", c.MWRTolerance)
	}
	if c.MWRMaxIterations == 0 {
		c.MWRMaxIterations = def.MWRMaxIterations
	}
	if c.MWRMaxIterations < 1 {
		return fmt.Errorf("mwr_max_iterations must be at least 1, got %d", c.MWRMaxIterations)
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// quantityTol returns the quantity tolerance as an exact decimal.
func (c Config) quantityTol() decimal.Decimal {
	return decimal.NewFromFloat(c.QuantityTolerance)
}

// valueTol returns the monetary tolerance for a value in the given currency.
func (c Config) valueTol(currency string) decimal.Decimal {
	if c.ValueTolerance > 0 {
		return decimal.NewFromFloat(c.ValueTolerance)
	}
	return M(0, currency).MinorUnit()
}

// LoadConfig reads a configuration file, YAML first with a JSON fallback.
// The engine itself never reads files; this is a convenience for callers.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return Config{}, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
