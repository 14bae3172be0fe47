package txinspect

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// RBFSequence is the sequence written into inputs of transactions
	// built here. It opts into replacement while still enforcing an
	// absolute lock time.
	RBFSequence uint32 = 0xfffffffd

	// MaxRBFSequence is the largest sequence that signals replaceability.
	MaxRBFSequence uint32 = wire.MaxTxInSequenceNum - 2
)

// ErrEmptyTx is returned when there is nothing to decode.
var ErrEmptyTx = errors.New("empty transaction")

// Input is the outpoint and sequence of a transaction input.
type Input struct {
	PrevOut  wire.OutPoint
	Sequence uint32
}

// Output is the value and script of a transaction output.
type Output struct {
	Value    int64
	PkScript []byte
}

// DecodedTx is a read-only view of a raw transaction.
type DecodedTx struct {
	TxID     chainhash.Hash
	Version  int32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32

	// Weight is the BIP-141 weight in weight units.
	Weight int64

	// VSize is the weight divided by four, rounded up.
	VSize int64

	// Tx is the underlying transaction.
	Tx *wire.MsgTx
}

// SignalsRBF reports whether the transaction opts into replacement under
// BIP-125, meaning any input has a sequence below 0xfffffffe.
func (d *DecodedTx) SignalsRBF() bool {
	return SignalsRBF(d.Tx)
}

// Decode decodes a hex encoded transaction.
func Decode(rawHex string) (*DecodedTx, error) {
	if rawHex == "" {
		return nil, ErrEmptyTx
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	return DecodeBytes(raw)
}

// DecodeBytes decodes a serialized transaction.
func DecodeBytes(raw []byte) (*DecodedTx, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyTx
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	r := bytes.NewReader(raw)
	if err := tx.Deserialize(r); err != nil {
		return nil, fmt.Errorf("unable to decode transaction: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("unable to decode transaction: %d "+
			"trailing bytes", r.Len())
	}

	return FromMsgTx(tx), nil
}

// FromMsgTx builds the read-only view of tx.
func FromMsgTx(tx *wire.MsgTx) *DecodedTx {
	decoded := &DecodedTx{
		TxID:     tx.TxHash(),
		Version:  tx.Version,
		Inputs:   make([]Input, 0, len(tx.TxIn)),
		Outputs:  make([]Output, 0, len(tx.TxOut)),
		LockTime: tx.LockTime,
		Weight:   Weight(tx),
		VSize:    VirtualSize(tx),
		Tx:       tx,
	}
	for _, in := range tx.TxIn {
		decoded.Inputs = append(decoded.Inputs, Input{
			PrevOut:  in.PreviousOutPoint,
			Sequence: in.Sequence,
		})
	}
	for _, out := range tx.TxOut {
		decoded.Outputs = append(decoded.Outputs, Output{
			Value:    out.Value,
			PkScript: out.PkScript,
		})
	}

	return decoded
}

// IsRBFSignaled reports whether the hex encoded transaction signals
// replaceability. Empty or undecodable input yields false.
func IsRBFSignaled(rawHex string) bool {
	decoded, err := Decode(rawHex)
	if err != nil {
		log.Debugf("Unable to inspect transaction: %v", err)
		return false
	}

	return decoded.SignalsRBF()
}

// SignalsRBF reports whether any input of tx has a sequence of at most
// MaxRBFSequence.
func SignalsRBF(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if in.Sequence <= MaxRBFSequence {
			return true
		}
	}

	return false
}

// Weight returns the BIP-141 weight of tx.
func Weight(tx *wire.MsgTx) int64 {
	return blockchain.GetTransactionWeight(btcutil.NewTx(tx))
}

// VirtualSize returns the virtual size of tx in vbytes, rounded up.
func VirtualSize(tx *wire.MsgTx) int64 {
	return (Weight(tx) + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}
