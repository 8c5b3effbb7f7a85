package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/fintrail/positions"
)

// positionsCmd holds the flags for the 'positions' subcommand.
type positionsCmd struct {
	inputFlags
	account    string
	instrument string
}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "derive dated position snapshots from transactions" }
func (*positionsCmd) Usage() string {
	return `ppe positions -transactions <file> [-prices <file>] [-account <id>] [-instrument <id>] [-s <date>] [-d <date>]

  Replays the transaction history and prints the derived position snapshots
  as JSON, optionally filtered to one account or instrument.
`
}

func (c *positionsCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.account, "account", "", "Only this account")
	f.StringVar(&c.instrument, "instrument", "", "Only this instrument")
}

func (c *positionsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	run, status := execute(ctx, &c.inputFlags)
	if run == nil {
		return status
	}

	var out []positions.Position
	for _, pair := range run.Pairs {
		if c.account != "" && pair.Account != c.account {
			continue
		}
		if c.instrument != "" && pair.Instrument != c.instrument {
			continue
		}
		if pair.Err != nil {
			fmt.Fprintf(os.Stderr, "pair %s failed: %v\n", pair.Key, pair.Err)
		}
		out = append(out, pair.Positions...)
	}
	return printJSON(out)
}

// execute runs the engine for the read-only reporting subcommands.
func execute(ctx context.Context, flags *inputFlags) (*positions.RunResult, subcommands.ExitStatus) {
	log := flags.logger()

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return nil, subcommands.ExitUsageError
	}
	in, err := flags.loadInput()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, subcommands.ExitFailure
	}
	engine, err := positions.NewEngine(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		return nil, subcommands.ExitUsageError
	}
	run, err := engine.Run(ctx, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run interrupted: %v\n", err)
		return nil, subcommands.ExitFailure
	}
	return run, subcommands.ExitSuccess
}
