package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/trade"
)

// orderCmd submits a market order.
type orderCmd struct {
	account  string
	symbol   string
	side     string
	quantity int64
}

func (*orderCmd) Name() string     { return "order" }
func (*orderCmd) Synopsis() string { return "execute a market buy or sell" }
func (*orderCmd) Usage() string {
	return `ledgerctl order -a <account> -s <symbol> -side BUY|SELL -q <quantity>

  Submits an immediate market order and prints the recorded order.
`
}

func (c *orderCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "a", "", "Account ID")
	f.StringVar(&c.symbol, "s", "", "Ticker symbol")
	f.StringVar(&c.side, "side", "BUY", "BUY or SELL")
	f.Int64Var(&c.quantity, "q", 0, "Number of shares")
}

func (c *orderCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, func(l *ledger) subcommands.ExitStatus {
		res, err := l.engine.Submit(ctx, trade.OrderRequest{
			AccountID: c.account,
			Symbol:    c.symbol,
			Side:      model.Side(c.side),
			Quantity:  c.quantity,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", model.ReasonOf(err))
			var ve *model.ValidationError
			if errors.As(err, &ve) {
				return subcommands.ExitUsageError
			}
			return subcommands.ExitFailure
		}
		if status := printJSON(res); status != subcommands.ExitSuccess {
			return status
		}
		if !res.Completed() {
			fmt.Fprintf(os.Stderr, "Order failed: %s\n", res.Order.FailureReason)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	})
}
