// Package cmd implements the CLI application around the position engine.
package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"

	"github.com/fintrail/positions"
)

// Commands lists the subcommands a main package registers.
var Commands = []subcommands.Command{
	&runCmd{},
	&positionsCmd{},
	&reconcileCmd{},
	&returnsCmd{},
}

// inputFlags are the data-file flags shared by every subcommand. Each file is
// JSONL, one canonical record per line.
type inputFlags struct {
	config       string
	transactions string
	snapshots    string
	actions      string
	declarations string
	prices       string
	from         string
	to           string
	verbose      bool
}

func (c *inputFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "Configuration file (YAML or JSON). Defaults apply when empty.")
	f.StringVar(&c.transactions, "transactions", "transactions.jsonl", "Canonical transactions file (JSONL)")
	f.StringVar(&c.snapshots, "snapshots", "", "Holding snapshots file (JSONL)")
	f.StringVar(&c.actions, "actions", "", "Corporate actions file (JSONL)")
	f.StringVar(&c.declarations, "declarations", "", "Dividend declarations file (JSONL)")
	f.StringVar(&c.prices, "prices", "", "Reference prices file (JSONL)")
	f.StringVar(&c.from, "s", "", "Start of the evaluation window (YYYY-MM-DD)")
	f.StringVar(&c.to, "d", "", "End of the evaluation window (YYYY-MM-DD, defaults to the latest input date)")
	f.BoolVar(&c.verbose, "v", false, "Verbose logging")
}

// logger builds the process logger, console-formatted on stderr.
func (c *inputFlags) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if c.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// loadConfig reads the configuration file, or the defaults when none given.
func (c *inputFlags) loadConfig() (positions.Config, error) {
	if c.config == "" {
		cfg := positions.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return positions.LoadConfig(c.config)
}

// loadInput reads every data file into one engine input.
func (c *inputFlags) loadInput() (positions.Input, error) {
	var in positions.Input
	var err error

	if in.Transactions, err = decodeFile[positions.Transaction](c.transactions); err != nil {
		return in, err
	}
	if c.snapshots != "" {
		if in.Snapshots, err = decodeFile[positions.HoldingSnapshot](c.snapshots); err != nil {
			return in, err
		}
	}
	if c.actions != "" {
		if in.Actions, err = decodeFile[positions.CorporateAction](c.actions); err != nil {
			return in, err
		}
	}
	if c.declarations != "" {
		if in.Declarations, err = decodeFile[positions.DividendDeclaration](c.declarations); err != nil {
			return in, err
		}
	}

	var prices []positions.PriceRecord
	if c.prices != "" {
		if prices, err = decodeFile[positions.PriceRecord](c.prices); err != nil {
			return in, err
		}
	}
	in.Prices = positions.NewPriceTableFromRecords(prices)

	if c.from != "" {
		if in.From, err = positions.ParseDate(c.from); err != nil {
			return in, fmt.Errorf("invalid -s date: %w", err)
		}
	}
	if c.to != "" {
		if in.To, err = positions.ParseDate(c.to); err != nil {
			return in, fmt.Errorf("invalid -d date: %w", err)
		}
	}
	return in, nil
}

// decodeFile reads one JSONL file into typed records.
func decodeFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", path, err)
	}
	defer f.Close()

	records, err := positions.DecodeJSONL[T](f)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", path, err)
	}
	return records, nil
}

// printJSON writes the result to stdout, indented for human eyes.
func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
