package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
)

// fundingFlags are shared by deposit and withdraw.
type fundingFlags struct {
	account string
	amount  string
}

func (c *fundingFlags) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "a", "", "Account ID")
	f.StringVar(&c.amount, "amount", "", "Amount, e.g. 1500.00")
}

func (c *fundingFlags) run(ctx context.Context, op func(*ledger) func(context.Context, string, decimal.Decimal) (*model.LedgerEntry, error)) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "-a is required")
		return subcommands.ExitUsageError
	}
	amount, err := decimal.NewFromString(c.amount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing amount %q: %v\n", c.amount, err)
		return subcommands.ExitUsageError
	}
	return withLedger(ctx, func(l *ledger) subcommands.ExitStatus {
		entry, err := op(l)(ctx, c.account, amount)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", model.ReasonOf(err))
			return subcommands.ExitFailure
		}
		return printJSON(entry)
	})
}

type depositCmd struct{ fundingFlags }

func (*depositCmd) Name() string     { return "deposit" }
func (*depositCmd) Synopsis() string { return "credit cash to an account" }
func (*depositCmd) Usage() string {
	return `ledgerctl deposit -a <account> -amount <amount>
`
}

func (c *depositCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, func(l *ledger) func(context.Context, string, decimal.Decimal) (*model.LedgerEntry, error) {
		return l.engine.Deposit
	})
}

type withdrawCmd struct{ fundingFlags }

func (*withdrawCmd) Name() string     { return "withdraw" }
func (*withdrawCmd) Synopsis() string { return "debit cash from an account" }
func (*withdrawCmd) Usage() string {
	return `ledgerctl withdraw -a <account> -amount <amount>

  Fails without changing anything if the balance does not cover the amount.
`
}

func (c *withdrawCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, func(l *ledger) func(context.Context, string, decimal.Decimal) (*model.LedgerEntry, error) {
		return l.engine.Withdraw
	})
}
