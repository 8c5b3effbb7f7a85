package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/fintrail/positions"
)

// returnsCmd holds the flags for the 'returns' subcommand.
type returnsCmd struct {
	inputFlags
}

func (*returnsCmd) Name() string     { return "returns" }
func (*returnsCmd) Synopsis() string { return "time- and money-weighted returns per pair" }
func (*returnsCmd) Usage() string {
	return `ppe returns -transactions <file> -prices <file> [-s <date>] [-d <date>]

  Computes the time-weighted return chain and the money-weighted return of
  every (account, instrument) pair over the evaluation window.
`
}

func (c *returnsCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *returnsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	run, status := execute(ctx, &c.inputFlags)
	if run == nil {
		return status
	}

	// pairReturns pairs the key with its series for the report.
	type pairReturns struct {
		positions.Key
		Returns *positions.ReturnSeries `json:"returns"`
	}
	var out []pairReturns
	for _, pair := range run.Pairs {
		if pair.Err != nil {
			fmt.Fprintf(os.Stderr, "pair %s failed: %v\n", pair.Key, pair.Err)
			continue
		}
		if pair.Returns == nil {
			continue
		}
		out = append(out, pairReturns{Key: pair.Key, Returns: pair.Returns})
	}
	return printJSON(out)
}
