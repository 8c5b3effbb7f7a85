package positions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.QuantityTolerance != 1e-6 {
		t.Errorf("quantity tolerance = %g, want 1e-6", cfg.QuantityTolerance)
	}
	if cfg.MWRTolerance != 1e-8 {
		t.Errorf("mwr tolerance = %g, want 1e-8", cfg.MWRTolerance)
	}
	if cfg.MWRMaxIterations != 100 {
		t.Errorf("mwr max iterations = %d, want 100", cfg.MWRMaxIterations)
	}
	if cfg.MatchingRule != FIFO {
		t.Errorf("matching rule = %s, want fifo", cfg.MatchingRule)
	}
	if cfg.Workers < 1 {
		t.Errorf("workers = %d, want at least 1", cfg.Workers)
	}
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"negative quantity tolerance", func(c *Config) { c.QuantityTolerance = -1 }},
		{"negative value tolerance", func(c *Config) { c.ValueTolerance = -0.5 }},
		{"negative mwr tolerance", func(c *Config) { c.MWRTolerance = -1e-8 }},
		{"negative iterations", func(c *Config) { c.MWRMaxIterations = -5 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestConfig_ValueTolerance(t *testing.T) {
	cfg := DefaultConfig()

	// Defaults to one minor unit of the currency.
	if got, want := cfg.valueTol("USD").String(), "0.01"; got != want {
		t.Errorf("USD tolerance = %s, want %s", got, want)
	}
	if got, want := cfg.valueTol("JPY").String(), "1"; got != want {
		t.Errorf("JPY tolerance = %s, want %s", got, want)
	}

	cfg.ValueTolerance = 0.5
	if got, want := cfg.valueTol("USD").String(), "0.5"; got != want {
		t.Errorf("explicit tolerance = %s, want %s", got, want)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
matching_rule: lifo
quantity_tolerance: 0.001
reinvestment_rule: auto-reinvest
workers: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatchingRule != LIFO {
		t.Errorf("matching rule = %s, want lifo", cfg.MatchingRule)
	}
	if cfg.QuantityTolerance != 0.001 {
		t.Errorf("quantity tolerance = %g, want 0.001", cfg.QuantityTolerance)
	}
	if cfg.ReinvestmentRule != AutoReinvest {
		t.Errorf("reinvestment rule = %s, want auto-reinvest", cfg.ReinvestmentRule)
	}
	if cfg.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Workers)
	}
	// Untouched knobs fall back to defaults.
	if cfg.MWRMaxIterations != 100 {
		t.Errorf("mwr max iterations = %d, want 100", cfg.MWRMaxIterations)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"matching_rule": "highest-cost", "mwr_max_iterations": 50}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatchingRule != HighestCost {
		t.Errorf("matching rule = %s, want highest-cost", cfg.MatchingRule)
	}
	if cfg.MWRMaxIterations != 50 {
		t.Errorf("mwr max iterations = %d, want 50", cfg.MWRMaxIterations)
	}
}

func TestParseMatchingRule(t *testing.T) {
	tests := []struct {
		in      string
		want    MatchingRule
		wantErr bool
	}{
		{in: "fifo", want: FIFO},
		{in: "lifo", want: LIFO},
		{in: "specific-id", want: SpecificID},
		{in: "highest-cost", want: HighestCost},
		{in: "average", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMatchingRule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMatchingRule(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseMatchingRule(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
