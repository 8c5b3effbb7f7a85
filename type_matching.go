package positions

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MatchingRule defines how a close selects the open lots it consumes.
type MatchingRule int

const (
	// FIFO consumes the lot with the oldest open date first.
	FIFO MatchingRule = iota
	// LIFO consumes the lot with the newest open date first.
	LIFO
	// SpecificID consumes the single lot named by the transaction.
	SpecificID
	// HighestCost consumes the lot with the highest unit cost first,
	// maximizing the realized loss.
	HighestCost
)

func (m MatchingRule) String() string {
	switch m {
	case FIFO:
		return "fifo"
	case LIFO:
		return "lifo"
	case SpecificID:
		return "specific-id"
	case HighestCost:
		return "highest-cost"
	default:
		return "unknown"
	}
}

// ParseMatchingRule parses a string into a MatchingRule.
func ParseMatchingRule(s string) (MatchingRule, error) {
	switch s {
	case "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	case "specific-id":
		return SpecificID, nil
	case "highest-cost":
		return HighestCost, nil
	default:
		return 0, fmt.Errorf("unknown matching rule: %q", s)
	}
}

func (m MatchingRule) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MatchingRule) UnmarshalText(text []byte) error {
	rule, err := ParseMatchingRule(string(text))
	if err != nil {
		return err
	}
	*m = rule
	return nil
}

func (m MatchingRule) MarshalYAML() (interface{}, error) { return m.String(), nil }

func (m *MatchingRule) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return m.UnmarshalText([]byte(s))
}

// ReinvestmentRule defines what happens to dividend cash on pay date.
type ReinvestmentRule int

const (
	// NoReinvestment settles dividends as cash.
	NoReinvestment ReinvestmentRule = iota
	// AutoReinvest converts the net dividend into a synthetic buy at the
	// pay-date price.
	AutoReinvest
)

func (r ReinvestmentRule) String() string {
	switch r {
	case NoReinvestment:
		return "none"
	case AutoReinvest:
		return "auto-reinvest"
	default:
		return "unknown"
	}
}

// ParseReinvestmentRule parses a string into a ReinvestmentRule.
func ParseReinvestmentRule(s string) (ReinvestmentRule, error) {
	switch s {
	case "", "none":
		return NoReinvestment, nil
	case "auto-reinvest":
		return AutoReinvest, nil
	default:
		return 0, fmt.Errorf("unknown reinvestment rule: %q", s)
	}
}

func (r ReinvestmentRule) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ReinvestmentRule) UnmarshalText(text []byte) error {
	rule, err := ParseReinvestmentRule(string(text))
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

func (r ReinvestmentRule) MarshalYAML() (interface{}, error) { return r.String(), nil }

func (r *ReinvestmentRule) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return r.UnmarshalText([]byte(s))
}
