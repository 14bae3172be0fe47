package main

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcvault/walletcore/backend"
	"github.com/urfave/cli"
)

var walletCommand = cli.Command{
	Name:     "wallet",
	Category: "Wallet",
	Usage:    "Manage the wallets and outputs known to the wallet store.",
	Subcommands: []cli.Command{
		{
			Name:      "import",
			Usage:     "Store a wallet descriptor under an id.",
			ArgsUsage: "id descriptor",
			Action:    actionDecorator(walletImport),
		},
		{
			Name:      "show",
			Usage:     "Show a stored wallet.",
			ArgsUsage: "id",
			Action:    actionDecorator(walletShow),
		},
		{
			Name:      "nextchange",
			Usage:     "Derive the next change address of a wallet.",
			ArgsUsage: "id",
			Action:    actionDecorator(walletNextChange),
		},
		{
			Name:      "addchange",
			Usage:     "Add a change address derived elsewhere.",
			ArgsUsage: "id address",
			Action:    actionDecorator(walletAddChange),
		},
		{
			Name:      "addutxo",
			Usage:     "Record an output owned by a wallet.",
			ArgsUsage: "id txid:index",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "amt",
					Usage: "The value of the output in satoshis.",
				},
				cli.StringFlag{
					Name:  "pkscript",
					Usage: "The hex encoded output script.",
				},
				cli.UintFlag{
					Name:  "confs",
					Usage: "The number of confirmations.",
				},
			},
			Action: actionDecorator(walletAddUTXO),
		},
		{
			Name:      "listunspent",
			Usage:     "List the unspent outputs of a wallet.",
			ArgsUsage: "id",
			Action:    actionDecorator(walletListUnspent),
		},
	},
}

type walletResp struct {
	ID              string   `json:"id"`
	Descriptor      string   `json:"descriptor"`
	Network         string   `json:"network"`
	ChangeAddresses []string `json:"change_addresses"`
}

func newWalletResp(w *backend.Wallet) *walletResp {
	return &walletResp{
		ID:              w.ID,
		Descriptor:      w.Descriptor,
		Network:         w.Network.String(),
		ChangeAddresses: w.ChangeAddresses,
	}
}

func walletImport(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "import")
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	args := ctx.Args()
	wallet, err := engine.ImportWallet(
		context.Background(), args.Get(0), args.Get(1),
	)
	if err != nil {
		return err
	}

	printJSON(newWalletResp(wallet))

	return nil
}

func walletShow(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "show")
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	wallet, err := engine.FetchWallet(
		context.Background(), ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	printJSON(newWalletResp(wallet))

	return nil
}

func walletNextChange(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "nextchange")
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	addr, err := engine.NextChangeAddress(
		context.Background(), ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	printJSON(newAddressResp(addr))

	return nil
}

func walletAddChange(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "addchange")
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	args := ctx.Args()
	err := engine.AddChangeAddress(
		context.Background(), args.Get(0), args.Get(1),
	)
	if err != nil {
		return err
	}

	wallet, err := engine.FetchWallet(context.Background(), args.Get(0))
	if err != nil {
		return err
	}

	printJSON(newWalletResp(wallet))

	return nil
}

func walletAddUTXO(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "addutxo")
	}
	if !ctx.IsSet("amt") || !ctx.IsSet("pkscript") {
		return errors.New("--amt and --pkscript are required")
	}

	args := ctx.Args()
	op, err := parseOutPoint(args.Get(1))
	if err != nil {
		return err
	}

	pkScript, err := hex.DecodeString(ctx.String("pkscript"))
	if err != nil {
		return err
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	utxo := &backend.UTXO{
		OutPoint:      op,
		Value:         btcutil.Amount(ctx.Int64("amt")),
		PkScript:      pkScript,
		Confirmations: uint32(ctx.Uint("confs")),
	}
	err = engine.PutUTXO(context.Background(), args.Get(0), utxo)
	if err != nil {
		return err
	}

	printJSON(newUTXOResp(utxo))

	return nil
}

type utxoResp struct {
	OutPoint      string `json:"outpoint"`
	Value         int64  `json:"amount_sat"`
	PkScript      string `json:"pk_script"`
	Confirmations uint32 `json:"confirmations"`
}

func newUTXOResp(u *backend.UTXO) *utxoResp {
	return &utxoResp{
		OutPoint:      u.OutPoint.String(),
		Value:         int64(u.Value),
		PkScript:      hex.EncodeToString(u.PkScript),
		Confirmations: u.Confirmations,
	}
}

func walletListUnspent(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "listunspent")
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	utxos, err := engine.ListUnspent(
		context.Background(), ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	resp := struct {
		Utxos []*utxoResp `json:"utxos"`
	}{
		Utxos: make([]*utxoResp, 0, len(utxos)),
	}
	for _, u := range utxos {
		resp.Utxos = append(resp.Utxos, newUTXOResp(u))
	}

	printJSON(resp)

	return nil
}
