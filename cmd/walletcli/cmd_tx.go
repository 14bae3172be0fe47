package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/cpfp"
	"github.com/btcvault/walletcore/psbtutil"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/urfave/cli"
)

func parseTxid(s string) (chainhash.Hash, error) {
	txid, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid %q: %w", s,
			err)
	}

	return *txid, nil
}

// parseOutPoint parses an outpoint in txid:index form.
func parseOutPoint(s string) (wire.OutPoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("outpoint %q must be "+
			"txid:index", s)
	}

	txid, err := parseTxid(parts[0])
	if err != nil {
		return wire.OutPoint{}, err
	}

	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid output index: %w",
			err)
	}

	return wire.OutPoint{Hash: txid, Index: uint32(index)}, nil
}

var inspectTxCommand = cli.Command{
	Name:      "inspecttx",
	Category:  "Transactions",
	Usage:     "Decode a raw transaction.",
	ArgsUsage: "rawtx",
	Description: `
	Decode a hex encoded transaction and report its virtual size and
	whether it signals BIP-125 replaceability. With --txid the transaction
	is fetched from the Esplora backend instead.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "txid",
			Usage: "Fetch the transaction with this id.",
		},
	},
	Action: actionDecorator(inspectTx),
}

type txInputResp struct {
	PrevOut  string `json:"prev_out"`
	Sequence uint32 `json:"sequence"`
}

type txOutputResp struct {
	Value    int64  `json:"value"`
	PkScript string `json:"pk_script"`
}

func inspectTx(ctx *cli.Context) error {
	var (
		decoded *txinspect.DecodedTx
		confs   fn.Option[uint32]
		err     error
	)
	switch {
	case ctx.IsSet("txid"):
		txid, err := parseTxid(ctx.String("txid"))
		if err != nil {
			return err
		}

		engine, cleanUp := getEngine(ctx)
		defer cleanUp()

		var n uint32
		decoded, n, err = engine.FetchTx(context.Background(), txid)
		if err != nil {
			return err
		}
		confs = fn.Some(n)

	case ctx.NArg() == 1:
		engine := getOfflineEngine(ctx)
		decoded, err = engine.InspectTx(ctx.Args().First())
		if err != nil {
			return err
		}

	default:
		return cli.ShowCommandHelp(ctx, "inspecttx")
	}

	resp := struct {
		TxID          string          `json:"txid"`
		Version       int32           `json:"version"`
		LockTime      uint32          `json:"locktime"`
		Weight        int64           `json:"weight"`
		VSize         int64           `json:"vsize"`
		SignalsRBF    bool            `json:"signals_rbf"`
		Confirmations *uint32         `json:"confirmations,omitempty"`
		Inputs        []*txInputResp  `json:"inputs"`
		Outputs       []*txOutputResp `json:"outputs"`
	}{
		TxID:       decoded.TxID.String(),
		Version:    decoded.Version,
		LockTime:   decoded.LockTime,
		Weight:     decoded.Weight,
		VSize:      decoded.VSize,
		SignalsRBF: decoded.SignalsRBF(),
	}
	confs.WhenSome(func(n uint32) {
		resp.Confirmations = &n
	})
	for _, in := range decoded.Inputs {
		resp.Inputs = append(resp.Inputs, &txInputResp{
			PrevOut:  in.PrevOut.String(),
			Sequence: in.Sequence,
		})
	}
	for _, out := range decoded.Outputs {
		resp.Outputs = append(resp.Outputs, &txOutputResp{
			Value:    out.Value,
			PkScript: hex.EncodeToString(out.PkScript),
		})
	}

	printJSON(resp)

	return nil
}

var rbfCommand = cli.Command{
	Name:     "rbf",
	Category: "Fee bumping",
	Usage:    "Replace an unconfirmed wallet transaction.",
	Subcommands: []cli.Command{
		{
			Name:      "check",
			Usage:     "Check whether a transaction can be replaced.",
			ArgsUsage: "txid",
			Action:    actionDecorator(rbfCheck),
		},
		{
			Name:      "create",
			Usage:     "Build an unsigned replacement PSBT.",
			ArgsUsage: "txid",
			Description: `
	Build a replacement paying the given fee rate. All inputs and
	recipient outputs of the original transaction are kept, the wallet's
	change output pays for the bump and further wallet outputs are added
	if it is too small. Without --sat_per_vbyte the fee rate estimate for
	the configured confirmation target is used.
	`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "wallet",
					Usage: "The id of the wallet that sent the tx.",
				},
				cli.Float64Flag{
					Name:  "sat_per_vbyte",
					Usage: "The fee rate of the replacement.",
				},
			},
			Action: actionDecorator(rbfCreate),
		},
	},
}

func rbfCheck(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "check")
	}

	txid, err := parseTxid(ctx.Args().First())
	if err != nil {
		return err
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	plan, err := engine.CheckReplaceable(context.Background(), txid)
	if err != nil {
		return err
	}

	resp := struct {
		Replaceable    bool    `json:"replaceable"`
		Reason         string  `json:"reason,omitempty"`
		CurrentFeeRate float64 `json:"current_sat_per_vbyte,omitempty"`
		MinimumFeeRate float64 `json:"minimum_sat_per_vbyte,omitempty"`
		Fee            int64   `json:"fee_sat,omitempty"`
		VSize          int64   `json:"vsize"`
	}{
		Replaceable:    plan.Replaceable,
		CurrentFeeRate: float64(plan.CurrentFeeRate.UnwrapOr(0)),
		MinimumFeeRate: float64(plan.MinimumFeeRate.UnwrapOr(0)),
		Fee:            int64(plan.Fee.UnwrapOr(0)),
		VSize:          plan.VSize,
	}
	if plan.Reason != nil {
		resp.Reason = plan.Reason.Error()
	}

	printJSON(resp)

	return nil
}

func rbfCreate(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "create")
	}
	if !ctx.IsSet("wallet") {
		return errors.New("--wallet is required")
	}

	txid, err := parseTxid(ctx.Args().First())
	if err != nil {
		return err
	}

	rate := fn.None[chainfee.SatPerVByte]()
	if ctx.IsSet("sat_per_vbyte") {
		satPerVByte := ctx.Float64("sat_per_vbyte")
		rate = fn.Some(chainfee.SatPerVByte(satPerVByte))
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	replacement, err := engine.CreateReplacement(
		context.Background(), txid, rate, ctx.String("wallet"),
	)
	if err != nil {
		return err
	}

	packet, err := psbtutil.Encode(replacement.Packet)
	if err != nil {
		return err
	}

	resp := struct {
		Psbt        string   `json:"psbt"`
		TxID        string   `json:"txid"`
		Fee         int64    `json:"fee_sat"`
		OriginalFee int64    `json:"original_fee_sat"`
		FeeRate     float64  `json:"sat_per_vbyte"`
		VSize       int64    `json:"vsize"`
		ChangeIndex *int     `json:"change_index,omitempty"`
		AddedInputs []string `json:"added_inputs"`
	}{
		Psbt:        packet,
		TxID:        replacement.Tx.TxHash().String(),
		Fee:         int64(replacement.Fee),
		OriginalFee: int64(replacement.OriginalFee),
		FeeRate:     float64(replacement.FeeRate),
		VSize:       replacement.VSize,
	}
	replacement.ChangeIndex.WhenSome(func(i int) {
		resp.ChangeIndex = &i
	})
	for _, u := range replacement.AddedInputs {
		resp.AddedInputs = append(resp.AddedInputs, u.OutPoint.String())
	}

	printJSON(resp)

	return nil
}

var cpfpCommand = cli.Command{
	Name:     "cpfp",
	Category: "Fee bumping",
	Usage:    "Speed up a transaction by spending one of its outputs.",
	Subcommands: []cli.Command{
		{
			Name:  "calc",
			Usage: "Compute the child fee for given sizes and rates.",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "parent_vsize",
					Usage: "The virtual size of the parent.",
				},
				cli.Float64Flag{
					Name:  "parent_sat_per_vbyte",
					Usage: "The fee rate paid by the parent.",
				},
				cli.Int64Flag{
					Name:  "child_vsize",
					Usage: "The virtual size of the child.",
				},
				cli.Float64Flag{
					Name:  "target_sat_per_vbyte",
					Usage: "The package fee rate to reach.",
				},
			},
			Action: actionDecorator(cpfpCalc),
		},
		{
			Name:      "plan",
			Usage:     "Compute the child fee for an unconfirmed parent.",
			ArgsUsage: "txid",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "child_vsize",
					Value: 110,
					Usage: "The virtual size of the child.",
				},
				cli.Float64Flag{
					Name:  "target_sat_per_vbyte",
					Usage: "The package fee rate to reach.",
				},
			},
			Action: actionDecorator(cpfpPlan),
		},
		{
			Name:      "create",
			Usage:     "Build an unsigned child PSBT.",
			ArgsUsage: "txid:index",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "wallet",
					Usage: "The id of the wallet owning the output.",
				},
				cli.StringFlag{
					Name:  "addr",
					Usage: "The address receiving the child output.",
				},
				cli.Float64Flag{
					Name:  "target_sat_per_vbyte",
					Usage: "The package fee rate to reach.",
				},
			},
			Action: actionDecorator(cpfpCreate),
		},
	},
}

type cpfpPlanResp struct {
	ChildFee         int64   `json:"child_fee_sat"`
	TotalFee         int64   `json:"total_fee_sat"`
	TotalVSize       int64   `json:"total_vsize"`
	EffectiveFeeRate float64 `json:"effective_sat_per_vbyte"`
	ChildFeeRate     float64 `json:"child_sat_per_vbyte"`
	ParentFee        int64   `json:"parent_fee_sat"`
}

func newCPFPPlanResp(plan cpfp.Plan) *cpfpPlanResp {
	return &cpfpPlanResp{
		ChildFee:         int64(plan.ChildFee),
		TotalFee:         int64(plan.TotalFee),
		TotalVSize:       plan.TotalVSize,
		EffectiveFeeRate: float64(plan.EffectiveFeeRate),
		ChildFeeRate:     float64(plan.ChildFeeRate),
		ParentFee:        int64(plan.ParentFee),
	}
}

func cpfpCalc(ctx *cli.Context) error {
	for _, name := range []string{
		"parent_vsize", "parent_sat_per_vbyte", "child_vsize",
		"target_sat_per_vbyte",
	} {
		if !ctx.IsSet(name) {
			return fmt.Errorf("--%s is required", name)
		}
	}

	plan := cpfp.CalculateFee(
		ctx.Int64("parent_vsize"),
		chainfee.SatPerVByte(ctx.Float64("parent_sat_per_vbyte")),
		ctx.Int64("child_vsize"),
		chainfee.SatPerVByte(ctx.Float64("target_sat_per_vbyte")),
	)

	printJSON(newCPFPPlanResp(plan))

	return nil
}

func cpfpPlan(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "plan")
	}
	if !ctx.IsSet("target_sat_per_vbyte") {
		return errors.New("--target_sat_per_vbyte is required")
	}

	txid, err := parseTxid(ctx.Args().First())
	if err != nil {
		return err
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	plan, err := engine.PlanCPFP(
		context.Background(), txid, ctx.Int64("child_vsize"),
		chainfee.SatPerVByte(ctx.Float64("target_sat_per_vbyte")),
	)
	if err != nil {
		return err
	}

	printJSON(newCPFPPlanResp(*plan))

	return nil
}

func cpfpCreate(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "create")
	}
	for _, name := range []string{
		"wallet", "addr", "target_sat_per_vbyte",
	} {
		if !ctx.IsSet(name) {
			return fmt.Errorf("--%s is required", name)
		}
	}

	op, err := parseOutPoint(ctx.Args().First())
	if err != nil {
		return err
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	child, err := engine.CreateChild(
		context.Background(), op,
		chainfee.SatPerVByte(ctx.Float64("target_sat_per_vbyte")),
		ctx.String("addr"), ctx.String("wallet"),
	)
	if err != nil {
		return err
	}

	packet, err := psbtutil.Encode(child.Packet)
	if err != nil {
		return err
	}

	printJSON(struct {
		Psbt    string        `json:"psbt"`
		TxID    string        `json:"txid"`
		Fee     int64         `json:"fee_sat"`
		Payment int64         `json:"payment_sat"`
		Plan    *cpfpPlanResp `json:"plan"`
	}{
		Psbt:    packet,
		TxID:    child.Tx.TxHash().String(),
		Fee:     int64(child.Fee),
		Payment: int64(child.Payment),
		Plan:    newCPFPPlanResp(child.Plan),
	})

	return nil
}

var publishCommand = cli.Command{
	Name:      "publish",
	Category:  "Fee bumping",
	Usage:     "Broadcast a signed replacement or child PSBT.",
	ArgsUsage: "psbt",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "wallet",
			Usage: "Mark the wallet outputs spent by the " +
				"transaction as spent.",
		},
	},
	Action: actionDecorator(publish),
}

func publish(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "publish")
	}

	packet, err := psbtutil.Decode(ctx.Args().First())
	if err != nil {
		return err
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	txid, err := engine.Publish(
		context.Background(), ctx.String("wallet"), packet,
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		TxID string `json:"txid"`
	}{
		TxID: txid.String(),
	})

	return nil
}
