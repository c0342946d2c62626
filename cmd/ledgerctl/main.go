// Command ledgerctl runs the ledger engine's batch jobs and account
// operations from the command line against the configured store.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

// Commands lists every ledgerctl subcommand.
var Commands = []subcommands.Command{
	&refreshPricesCmd{},
	&runDividendsCmd{},
	&sweepPendingCmd{},
	&depositCmd{},
	&withdrawCmd{},
	&orderCmd{},
}

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	for _, c := range Commands {
		commander.Register(c, "")
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
