package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
)

// sweepPendingCmd resolves interrupted orders.
type sweepPendingCmd struct {
	maxAge time.Duration
}

func (*sweepPendingCmd) Name() string     { return "sweep-pending" }
func (*sweepPendingCmd) Synopsis() string { return "fail orders left PENDING by an interrupted process" }
func (*sweepPendingCmd) Usage() string {
	return `ledgerctl sweep-pending [-max-age <duration>]

  Resolves PENDING orders older than max-age to FAILED. Such orders never
  changed the wallet or holdings.
`
}

func (c *sweepPendingCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.maxAge, "max-age", 5*time.Minute, "Minimum age of the orders to resolve")
}

func (c *sweepPendingCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.maxAge <= 0 {
		fmt.Fprintln(os.Stderr, "-max-age must be positive")
		return subcommands.ExitUsageError
	}
	return withLedger(ctx, func(l *ledger) subcommands.ExitStatus {
		n, err := l.engine.SweepPending(ctx, c.maxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sweeping pending orders: %v\n", err)
			return subcommands.ExitFailure
		}
		return printJSON(map[string]int{"resolved": n})
	})
}
