package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/simbroker/ledger-engine/internal/dividend"
)

// runDividendsCmd pays dividends due on a day, or a single dividend.
type runDividendsCmd struct {
	day string
	id  string
}

func (*runDividendsCmd) Name() string     { return "run-dividends" }
func (*runDividendsCmd) Synopsis() string { return "pay the dividends due on a payment date" }
func (*runDividendsCmd) Usage() string {
	return `ledgerctl run-dividends [-d <YYYY-MM-DD>] [-id <dividend>]

  Pays every dividend whose payment date is the given day (default today,
  UTC). With -id, runs that dividend only. Runs are idempotent: accounts
  already paid are skipped.
`
}

func (c *runDividendsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.day, "d", "", "Payment date (YYYY-MM-DD), defaults to today")
	f.StringVar(&c.id, "id", "", "Run only this dividend")
}

func (c *runDividendsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	day := time.Now().UTC()
	if c.day != "" {
		var err error
		if day, err = time.Parse(time.DateOnly, c.day); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing date: %v\n", err)
			return subcommands.ExitUsageError
		}
	}

	return withLedger(ctx, func(l *ledger) subcommands.ExitStatus {
		var reports []*dividend.Report
		var runErr error
		if c.id != "" {
			dv, err := l.store.GetDividend(ctx, c.id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading dividend %q: %v\n", c.id, err)
				return subcommands.ExitFailure
			}
			r, err := l.distributor.Run(ctx, dv, day)
			if r != nil {
				reports = append(reports, r)
			}
			runErr = err
		} else {
			reports, runErr = l.distributor.RunDue(ctx, day)
		}

		if reports == nil {
			reports = []*dividend.Report{}
		}
		if status := printJSON(reports); status != subcommands.ExitSuccess {
			return status
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Error running dividends: %v\n", runErr)
			return subcommands.ExitFailure
		}
		for _, r := range reports {
			if len(r.Errors) > 0 {
				return subcommands.ExitFailure
			}
		}
		return subcommands.ExitSuccess
	})
}
