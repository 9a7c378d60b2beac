// x1-invoke runs scripted invoke-context scenarios.
//
// A script pushes frames, writes memory, dispatches syscalls and pops
// frames against a single transaction. The command prints the outcome,
// program log and trace, commits modified accounts and can archive the
// trace for later inspection.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var logger = log.Root()

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level: trace, debug, info, warn, error, crit",
		Value: "info",
	}
	budgetFlag = &cli.Uint64Flag{
		Name:  "budget",
		Usage: "Base compute budget of the transaction",
	}
	priorityFeeFlag = &cli.Uint64Flag{
		Name:  "priority-fee",
		Usage: "Priority fee in lamports, buys extra compute units",
	}
	maxDepthFlag = &cli.UintFlag{
		Name:  "max-depth",
		Usage: "Maximum invocation stack height",
	}
	accountsDBFlag = &cli.StringFlag{
		Name:  "accounts-db",
		Usage: "Badger directory holding accounts (default: in memory)",
	}
	archiveFlag = &cli.StringFlag{
		Name:  "archive",
		Usage: "Trace archive database file",
	}
)

var app = newApp()

func newApp() *cli.App {
	return &cli.App{
		Name:    "x1-invoke",
		Usage:   "run invoke context scenarios",
		Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
		Flags:   []cli.Flag{configFileFlag, verbosityFlag},
		Before:  setupLogging,
		Commands: []*cli.Command{
			runCommand,
			tracesCommand,
			accountsCommand,
			{
				Name:   "dumpconfig",
				Usage:  "Show configuration values",
				Flags:  []cli.Flag{budgetFlag, priorityFeeFlag, maxDepthFlag, accountsDBFlag, archiveFlag},
				Action: dumpConfig,
			},
		},
	}
}

func setupLogging(ctx *cli.Context) error {
	lvl, err := log.LvlFromString(ctx.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	logger = log.NewLogger(log.NewTerminalHandlerWithLevel(ctx.App.ErrWriter, lvl, false))
	log.SetDefault(logger)
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
