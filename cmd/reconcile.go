package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/fintrail/positions"
)

// reconcileCmd holds the flags for the 'reconcile' subcommand.
type reconcileCmd struct {
	inputFlags
	failOnBreak bool
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "compare derived positions against reported holdings" }
func (*reconcileCmd) Usage() string {
	return `ppe reconcile -transactions <file> -snapshots <file> [-prices <file>] [-fail-on-break]

  Derives positions from the transaction history and compares them against
  the reported holding snapshots. Every field outside tolerance prints as a
  discrepancy; -fail-on-break makes any discrepancy a failing exit code,
  for use in ingestion pipelines.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.BoolVar(&c.failOnBreak, "fail-on-break", false, "Exit nonzero when any discrepancy is found")
}

func (c *reconcileCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.snapshots == "" {
		fmt.Fprintln(os.Stderr, "-snapshots is required")
		return subcommands.ExitUsageError
	}

	run, status := execute(ctx, &c.inputFlags)
	if run == nil {
		return status
	}

	var out []positions.Discrepancy
	for _, pair := range run.Pairs {
		if pair.Err != nil {
			fmt.Fprintf(os.Stderr, "pair %s failed: %v\n", pair.Key, pair.Err)
		}
		out = append(out, pair.Discrepancies...)
	}

	status = printJSON(out)
	if c.failOnBreak && len(out) > 0 {
		fmt.Fprintf(os.Stderr, "%d discrepancies found\n", len(out))
		return subcommands.ExitFailure
	}
	return status
}
