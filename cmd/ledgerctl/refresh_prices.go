package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/google/subcommands"
)

// refreshPricesCmd re-fetches quotes into the price cache.
type refreshPricesCmd struct{}

func (*refreshPricesCmd) Name() string     { return "refresh-prices" }
func (*refreshPricesCmd) Synopsis() string { return "refresh cached quotes from the price source" }
func (*refreshPricesCmd) Usage() string {
	return `ledgerctl refresh-prices [<symbol>...]

  Drops and re-fetches the cached quote of each symbol. Without arguments,
  every symbol of the price snapshot is refreshed. Requires REDIS_URL: the
  refresh only reaches the server through the shared quote cache.
`
}

func (*refreshPricesCmd) SetFlags(*flag.FlagSet) {}

func (c *refreshPricesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, func(l *ledger) subcommands.ExitStatus {
		if !l.sharedPrices {
			fmt.Fprintln(os.Stderr, "REDIS_URL is required: without the shared cache the refresh never reaches the server")
			return subcommands.ExitFailure
		}
		symbols := f.Args()
		if len(symbols) == 0 {
			if l.static == nil {
				fmt.Fprintln(os.Stderr, "a live price provider is configured, name the symbols to refresh")
				return subcommands.ExitUsageError
			}
			symbols = l.static.Symbols()
		}
		sort.Strings(symbols)

		failed, err := l.prices.Refresh(ctx, symbols...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error refreshing prices: %v\n", err)
			return subcommands.ExitFailure
		}

		result := struct {
			Refreshed int               `json:"refreshed"`
			Failed    map[string]string `json:"failed,omitempty"`
		}{Refreshed: len(symbols) - len(failed)}
		if len(failed) > 0 {
			result.Failed = make(map[string]string, len(failed))
			for sym, err := range failed {
				result.Failed[sym] = err.Error()
			}
		}
		if status := printJSON(result); status != subcommands.ExitSuccess {
			return status
		}
		if len(failed) > 0 {
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	})
}
