package main

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/btcvault/walletcore"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/urfave/cli"
)

// getOfflineEngine returns an engine without wallet store or chain backend
// for the commands that need neither.
func getOfflineEngine(ctx *cli.Context) *walletcore.Engine {
	cfg, err := walletcore.LoadConfig(configArgs(ctx))
	if err != nil {
		fatal(fmt.Errorf("unable to load config: %w", err))
	}

	engine, err := walletcore.New(cfg, walletcore.Deps{})
	if err != nil {
		fatal(err)
	}

	return engine
}

var validateXpubCommand = cli.Command{
	Name:      "validatexpub",
	Category:  "Keys",
	Usage:     "Check an extended public key against the network.",
	ArgsUsage: "key",
	Action:    actionDecorator(validateXpub),
}

func validateXpub(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "validatexpub")
	}

	engine := getOfflineEngine(ctx)
	result := engine.ValidateXpub(ctx.Args().First())

	resp := struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason,omitempty"`
	}{
		Valid: result.Valid,
	}
	if result.Reason != nil {
		resp.Reason = result.Reason.Error()
	}

	printJSON(resp)

	return nil
}

var normalizeXpubCommand = cli.Command{
	Name:      "normalizexpub",
	Category:  "Keys",
	Usage:     "Rewrite a ypub, zpub or multisig key to xpub/tpub form.",
	ArgsUsage: "key",
	Action:    actionDecorator(normalizeXpub),
}

func normalizeXpub(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "normalizexpub")
	}

	engine := getOfflineEngine(ctx)
	key, err := engine.NormalizeXpub(ctx.Args().First())
	if err != nil {
		return err
	}

	printJSON(struct {
		Key string `json:"key"`
	}{
		Key: key,
	})

	return nil
}

var parseDescriptorCommand = cli.Command{
	Name:      "parsedescriptor",
	Category:  "Keys",
	Usage:     "Parse an output descriptor and print its canonical form.",
	ArgsUsage: "descriptor",
	Action:    actionDecorator(parseDescriptor),
}

type keyExprResp struct {
	Key      string `json:"key"`
	Origin   string `json:"origin,omitempty"`
	Template string `json:"template"`
}

func parseDescriptor(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "parsedescriptor")
	}

	engine := getOfflineEngine(ctx)
	desc, err := engine.ParseDescriptor(ctx.Args().First())
	if err != nil {
		return err
	}

	resp := struct {
		Descriptor string         `json:"descriptor"`
		Kind       string         `json:"kind"`
		Threshold  int            `json:"threshold,omitempty"`
		Keys       []*keyExprResp `json:"keys"`
	}{
		Descriptor: desc.String(),
	}

	switch d := desc.(type) {
	case *descriptor.SingleKey:
		resp.Kind = d.ScriptType.String()

	case *descriptor.SortedMulti:
		resp.Kind = "sortedmulti-" + d.Wrapping.String()
		resp.Threshold = d.Threshold
	}

	for _, k := range desc.KeyExprs() {
		expr := &keyExprResp{
			Key:      k.Key.Canonical(),
			Template: k.Template.String(),
		}
		k.Origin.WhenSome(func(o descriptor.Origin) {
			expr.Origin = o.String()
		})
		resp.Keys = append(resp.Keys, expr)
	}

	printJSON(resp)

	return nil
}

var deriveCommand = cli.Command{
	Name:      "derive",
	Category:  "Keys",
	Usage:     "Derive addresses from a descriptor or extended key.",
	ArgsUsage: "descriptor|key",
	Description: `
	Derive one or more consecutive addresses. The argument is either an
	output descriptor or a bare extended public key. For bare keys the
	script type is inferred from the key prefix unless --type is given.
	`,
	Flags: []cli.Flag{
		cli.UintFlag{
			Name:  "index",
			Usage: "The first address index to derive.",
		},
		cli.UintFlag{
			Name:  "count",
			Value: 1,
			Usage: "The number of addresses to derive.",
		},
		cli.BoolFlag{
			Name:  "change",
			Usage: "Derive from the change branch.",
		},
		cli.StringFlag{
			Name: "type",
			Usage: "Script type for bare keys: p2pkh, p2sh-p2wpkh, " +
				"p2wpkh or p2tr.",
		},
	},
	Action: actionDecorator(derive),
}

func parseScriptType(s string) (descriptor.ScriptType, error) {
	for _, st := range []descriptor.ScriptType{
		descriptor.P2PKH, descriptor.P2SHP2WPKH, descriptor.P2WPKH,
		descriptor.P2TR,
	} {
		if st.String() == s {
			return st, nil
		}
	}

	return 0, fmt.Errorf("unknown script type %q", s)
}

type addressResp struct {
	Address        string   `json:"address"`
	DerivationPath string   `json:"derivation_path"`
	PkScript       string   `json:"pk_script"`
	RedeemScript   string   `json:"redeem_script,omitempty"`
	WitnessScript  string   `json:"witness_script,omitempty"`
	PubKeys        []string `json:"pub_keys"`
}

func newAddressResp(addr *derivation.Address) *addressResp {
	resp := &addressResp{
		Address:        addr.Address,
		DerivationPath: addr.DerivationPath,
		PkScript:       hex.EncodeToString(addr.PkScript),
		RedeemScript:   hex.EncodeToString(addr.RedeemScript),
		WitnessScript:  hex.EncodeToString(addr.WitnessScript),
	}
	for _, pub := range addr.PubKeys {
		resp.PubKeys = append(
			resp.PubKeys, hex.EncodeToString(pub.SerializeCompressed()),
		)
	}

	return resp
}

func derive(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "derive")
	}

	engine := getOfflineEngine(ctx)
	arg := ctx.Args().First()

	var (
		desc descriptor.Descriptor
		err  error
	)
	if strings.Contains(arg, "(") {
		desc, err = engine.ParseDescriptor(arg)
	} else {
		scriptType := fn.None[descriptor.ScriptType]()
		if ctx.IsSet("type") {
			st, err := parseScriptType(ctx.String("type"))
			if err != nil {
				return err
			}
			scriptType = fn.Some(st)
		}

		desc, err = descriptor.FromExtendedKey(arg, scriptType)
	}
	if err != nil {
		return err
	}

	index, err := uint32Flag(ctx, "index")
	if err != nil {
		return err
	}
	count, err := uint32Flag(ctx, "count")
	if err != nil {
		return err
	}

	addrs, err := engine.DeriveAddresses(
		desc, ctx.Bool("change"), index, count,
	)
	if err != nil {
		return err
	}

	resp := struct {
		Descriptor string         `json:"descriptor"`
		Addresses  []*addressResp `json:"addresses"`
	}{
		Descriptor: desc.String(),
	}
	for _, addr := range addrs {
		resp.Addresses = append(resp.Addresses, newAddressResp(addr))
	}

	printJSON(resp)

	return nil
}

// uint32Flag returns the value of the named uint flag, rejecting values that
// do not fit in 32 bits.
func uint32Flag(ctx *cli.Context, name string) (uint32, error) {
	v := uint64(ctx.Uint(name))
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%s %d exceeds %d", name, v,
			uint64(math.MaxUint32))
	}

	return uint32(v), nil
}
