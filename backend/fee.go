package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/txinspect"
)

// ErrNegativeFee is returned when the outputs of a transaction exceed its
// resolved inputs.
var ErrNegativeFee = errors.New("transaction outputs exceed inputs")

// FeeInfo is the absolute fee and size of a transaction.
type FeeInfo struct {
	// InputValue is the sum of all spent outputs.
	InputValue btcutil.Amount

	// Fee is the absolute fee paid.
	Fee btcutil.Amount

	// VSize is the virtual size in vbytes.
	VSize int64

	// FeeRate is Fee divided by VSize.
	FeeRate chainfee.SatPerVByte
}

// ResolvePrevOuts returns the output spent by each input of tx, in input
// order. Inlined previous outputs are used when present, the remaining ones
// are fetched from src.
func ResolvePrevOuts(ctx context.Context, src TxSource,
	tx *Tx) ([]*wire.TxOut, error) {

	prevOuts := make([]*wire.TxOut, len(tx.MsgTx.TxIn))
	for i, in := range tx.MsgTx.TxIn {
		if prevOut := tx.PrevOut(i); prevOut != nil {
			prevOuts[i] = prevOut
			continue
		}

		prevOp := in.PreviousOutPoint
		prevTx, err := src.FetchTx(ctx, prevOp.Hash)
		if err != nil {
			return nil, fmt.Errorf("fetch previous tx %v: %w",
				prevOp.Hash, err)
		}
		if int(prevOp.Index) >= len(prevTx.MsgTx.TxOut) {
			return nil, fmt.Errorf("previous tx %v has no output %d",
				prevOp.Hash, prevOp.Index)
		}

		prevOuts[i] = prevTx.MsgTx.TxOut[prevOp.Index]
	}

	return prevOuts, nil
}

// ResolveFee reconstructs the fee of tx. Spent outputs are taken from the
// inlined previous outputs when present and fetched from src otherwise.
func ResolveFee(ctx context.Context, src TxSource, tx *Tx) (*FeeInfo, error) {
	prevOuts, err := ResolvePrevOuts(ctx, src, tx)
	if err != nil {
		return nil, err
	}

	return FeeFromPrevOuts(tx.MsgTx, prevOuts)
}

// FeeFromPrevOuts computes the fee of tx given the outputs spent by its
// inputs.
func FeeFromPrevOuts(tx *wire.MsgTx, prevOuts []*wire.TxOut) (*FeeInfo,
	error) {

	if len(prevOuts) != len(tx.TxIn) {
		return nil, fmt.Errorf("got %d previous outputs for %d inputs",
			len(prevOuts), len(tx.TxIn))
	}

	var inputValue btcutil.Amount
	for _, prevOut := range prevOuts {
		inputValue += btcutil.Amount(prevOut.Value)
	}

	var outputValue btcutil.Amount
	for _, out := range tx.TxOut {
		outputValue += btcutil.Amount(out.Value)
	}

	fee := inputValue - outputValue
	if fee < 0 {
		return nil, fmt.Errorf("%w: inputs %v, outputs %v",
			ErrNegativeFee, inputValue, outputValue)
	}

	vsize := txinspect.VirtualSize(tx)

	return &FeeInfo{
		InputValue: inputValue,
		Fee:        fee,
		VSize:      vsize,
		FeeRate:    chainfee.FeeRate(fee, vsize),
	}, nil
}
