package main

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/accounts"
)

var (
	pubkeyFlag = &cli.StringFlag{
		Name:     "pubkey",
		Usage:    "Base58 account address",
		Required: true,
	}
	lamportsFlag = &cli.Uint64Flag{
		Name:  "lamports",
		Usage: "Account balance",
	}
	ownerFlag = &cli.StringFlag{
		Name:  "owner",
		Usage: "Base58 owner program (default: system program)",
	}
	dataFlag = &cli.StringFlag{
		Name:  "data",
		Usage: "0x-prefixed account data",
	}
	executableFlag = &cli.BoolFlag{
		Name:  "executable",
		Usage: "Mark the account executable",
	}
)

var accountsCommand = &cli.Command{
	Name:  "accounts",
	Usage: "Inspect and edit a persistent accounts database",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List accounts in pubkey order",
			Flags:  []cli.Flag{accountsDBFlag},
			Action: listAccounts,
		},
		{
			Name:   "set",
			Usage:  "Create or replace an account",
			Flags:  []cli.Flag{accountsDBFlag, pubkeyFlag, lamportsFlag, ownerFlag, dataFlag, executableFlag},
			Action: setAccount,
		},
		{
			Name:   "delete",
			Usage:  "Remove an account",
			Flags:  []cli.Flag{accountsDBFlag, pubkeyFlag},
			Action: deleteAccount,
		},
	},
}

// openAccountsDB opens the configured badger directory. An in-memory DB
// would drop every edit on exit, so a path is required.
func openAccountsDB(ctx *cli.Context) (accounts.DB, error) {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Accounts.Path == "" {
		return nil, errors.New("no accounts database configured")
	}
	return openAccounts(cfg.Accounts)
}

func listAccounts(ctx *cli.Context) error {
	db, err := openAccountsDB(ctx)
	if err != nil {
		return err
	}
	defer closeAccounts(db)

	count, err := db.AccountsCount()
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	fmt.Fprintf(w, "Accounts: %d\n", count)
	return db.IterateAccounts(func(pubkey types.Pubkey, acc *accounts.Account) error {
		flags := ""
		if acc.Executable {
			flags = " executable"
		}
		_, err := fmt.Fprintf(w, "%-44s lamports=%d data=%d owner=%s hash=%s%s\n",
			pubkey, acc.Lamports, len(acc.Data), acc.Owner, accounts.ComputeAccountHash(pubkey, acc), flags)
		return err
	})
}

func setAccount(ctx *cli.Context) error {
	pubkey, err := types.PubkeyFromBase58(ctx.String(pubkeyFlag.Name))
	if err != nil {
		return fmt.Errorf("--%s: %w", pubkeyFlag.Name, err)
	}
	acc := &accounts.Account{
		Lamports:   ctx.Uint64(lamportsFlag.Name),
		Executable: ctx.Bool(executableFlag.Name),
	}
	if s := ctx.String(ownerFlag.Name); s != "" {
		if acc.Owner, err = types.PubkeyFromBase58(s); err != nil {
			return fmt.Errorf("--%s: %w", ownerFlag.Name, err)
		}
	}
	if s := ctx.String(dataFlag.Name); s != "" {
		if acc.Data, err = hexutil.Decode(s); err != nil {
			return fmt.Errorf("--%s: %w", dataFlag.Name, err)
		}
	}
	if len(acc.Data) > accounts.MaxAccountDataSize {
		return fmt.Errorf("%w: %d bytes of data", accounts.ErrInvalidData, len(acc.Data))
	}

	db, err := openAccountsDB(ctx)
	if err != nil {
		return err
	}
	defer closeAccounts(db)
	if err := db.SetAccount(pubkey, acc); err != nil {
		return err
	}
	logger.Info("Stored account", "pubkey", pubkey, "lamports", acc.Lamports, "data", len(acc.Data))
	return nil
}

func deleteAccount(ctx *cli.Context) error {
	pubkey, err := types.PubkeyFromBase58(ctx.String(pubkeyFlag.Name))
	if err != nil {
		return fmt.Errorf("--%s: %w", pubkeyFlag.Name, err)
	}
	db, err := openAccountsDB(ctx)
	if err != nil {
		return err
	}
	defer closeAccounts(db)
	if err := db.DeleteAccount(pubkey); err != nil {
		return err
	}
	logger.Info("Deleted account", "pubkey", pubkey)
	return nil
}
