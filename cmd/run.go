package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/fintrail/positions"
	"github.com/fintrail/positions/store"
)

// runCmd holds the flags for the 'run' subcommand.
type runCmd struct {
	inputFlags
	storePath string
}

func (*runCmd) Name() string { return "run" }
func (*runCmd) Synopsis() string {
	return "replay transactions into positions, reconcile and compute returns"
}
func (*runCmd) Usage() string {
	return `ppe run -transactions <file> [-snapshots <file>] [-actions <file>] [-prices <file>] [-s <date>] [-d <date>] [-store <db>]

  Runs the full pipeline: derives lot-level positions per (account,
  instrument), reconciles them against reported holdings, applies corporate
  actions and dividends, and computes time- and money-weighted returns.
  The complete result prints as JSON; -store persists it for audit.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.storePath, "store", "", "SQLite file to persist the run into")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := c.logger()

	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return subcommands.ExitUsageError
	}
	in, err := c.loadInput()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	engine, err := positions.NewEngine(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		return subcommands.ExitUsageError
	}

	run, err := engine.Run(ctx, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run interrupted: %v\n", err)
		return subcommands.ExitFailure
	}

	if c.storePath != "" {
		db, err := store.Open(c.storePath, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer db.Close()
		runID, err := db.SaveRun(ctx, in.From, in.To, run)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		fmt.Fprintf(os.Stderr, "Saved run %s\n", runID)
	}

	status := printJSON(run)
	if failed := run.Failed(); len(failed) > 0 {
		for _, pair := range failed {
			fmt.Fprintf(os.Stderr, "pair %s failed: %v\n", pair.Key, pair.Err)
		}
		return subcommands.ExitFailure
	}
	return status
}
