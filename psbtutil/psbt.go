package psbtutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/derivation"
)

var (
	// ErrInputCount is returned when the number of input descriptions
	// does not match the inputs of the unsigned transaction.
	ErrInputCount = errors.New("input count mismatch")

	// ErrMissingPrevOut is returned when an input carries neither a
	// witness nor a non-witness previous output.
	ErrMissingPrevOut = errors.New("missing previous output")

	// ErrPrevTxMismatch is returned when the full previous transaction of
	// an input does not match its outpoint.
	ErrPrevTxMismatch = errors.New("previous transaction does not " +
		"match outpoint")
)

// Input describes the output spent by one input of an unsigned transaction.
type Input struct {
	// PrevOut is the spent output. It is required for every input.
	PrevOut *wire.TxOut

	// PrevTx is the full transaction that created the spent output. It
	// is required for inputs that do not spend a witness program and is
	// attached as the non-witness UTXO whenever it is known.
	PrevTx *wire.MsgTx

	// RedeemScript is the P2SH redeem script, if any.
	RedeemScript []byte

	// WitnessScript is the P2WSH witness script, if any.
	WitnessScript []byte

	// Bip32Derivation locates the keys of a segwit v0 or legacy input.
	Bip32Derivation []*psbt.Bip32Derivation

	// TaprootBip32Derivation locates the internal key of a taproot key
	// spend.
	TaprootBip32Derivation []*psbt.TaprootBip32Derivation

	// TaprootInternalKey is the x-only internal key of a taproot key
	// spend.
	TaprootInternalKey []byte
}

// psbtFingerprint converts a fingerprint as written in descriptors to the
// PSBT field, which serializes it little endian.
func psbtFingerprint(fp uint32) uint32 {
	return bits.ReverseBytes32(fp)
}

// WalletInput describes an input spending prevOut, an output the wallet
// derived as addr, with everything a signer needs to produce its
// signatures.
func WalletInput(prevOut *wire.TxOut, addr *derivation.Address) Input {
	in := Input{
		PrevOut:       prevOut,
		RedeemScript:  addr.RedeemScript,
		WitnessScript: addr.WitnessScript,
	}

	if txscript.IsPayToTaproot(prevOut.PkScript) {
		for i, pub := range addr.PubKeys {
			xOnly := schnorr.SerializePubKey(pub)
			in.TaprootInternalKey = xOnly
			in.TaprootBip32Derivation = append(
				in.TaprootBip32Derivation,
				&psbt.TaprootBip32Derivation{
					XOnlyPubKey: xOnly,
					MasterKeyFingerprint: psbtFingerprint(
						addr.Origins[i].Fingerprint,
					),
					Bip32Path: addr.Origins[i].Path,
				},
			)
		}

		return in
	}

	for i, pub := range addr.PubKeys {
		in.Bip32Derivation = append(
			in.Bip32Derivation, &psbt.Bip32Derivation{
				PubKey: pub.SerializeCompressed(),
				MasterKeyFingerprint: psbtFingerprint(
					addr.Origins[i].Fingerprint,
				),
				Bip32Path: addr.Origins[i].Path,
			},
		)
	}

	return in
}

// isWitness reports whether the input spends a witness program, either
// natively or nested in P2SH.
func (i *Input) isWitness() bool {
	if txscript.IsWitnessProgram(i.PrevOut.PkScript) {
		return true
	}

	return len(i.RedeemScript) > 0 &&
		txscript.IsWitnessProgram(i.RedeemScript)
}

// LocateInput describes an input spending prevOut. When loc finds prevOut
// among the wallet's addresses the input carries its scripts and key
// derivations, otherwise only the previous output.
func LocateInput(loc *derivation.Locator, prevOut *wire.TxOut) (Input,
	error) {

	addr, err := loc.Locate(prevOut.PkScript)
	switch {
	case errors.Is(err, derivation.ErrScriptNotFound):
		log.Warnf("Unable to locate input script %x in wallet: %v",
			prevOut.PkScript, err)

		return Input{PrevOut: prevOut}, nil

	case err != nil:
		return Input{}, err
	}

	return WalletInput(prevOut, addr), nil
}

// NewPacket wraps tx in a PSBT and attaches the previous output data of each
// input so that an external signer can produce signatures. The signature
// scripts and witnesses of tx must be empty.
func NewPacket(tx *wire.MsgTx, inputs []Input) (*psbt.Packet, error) {
	if len(inputs) != len(tx.TxIn) {
		return nil, fmt.Errorf("%w: tx has %d, got %d", ErrInputCount,
			len(tx.TxIn), len(inputs))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create packet: %w", err)
	}

	for idx, in := range inputs {
		if in.PrevOut == nil {
			return nil, fmt.Errorf("input %d: %w", idx,
				ErrMissingPrevOut)
		}

		pIn := &packet.Inputs[idx]
		if in.PrevTx != nil {
			op := tx.TxIn[idx].PreviousOutPoint
			if in.PrevTx.TxHash() != op.Hash ||
				int(op.Index) >= len(in.PrevTx.TxOut) {

				return nil, fmt.Errorf("input %d: %w", idx,
					ErrPrevTxMismatch)
			}

			pIn.NonWitnessUtxo = in.PrevTx
		}

		switch {
		case in.isWitness():
			pIn.WitnessUtxo = wire.NewTxOut(
				in.PrevOut.Value, in.PrevOut.PkScript,
			)

		case in.PrevTx == nil:
			return nil, fmt.Errorf("input %d spends a non-witness "+
				"output: %w", idx, ErrMissingPrevOut)
		}

		if len(in.RedeemScript) > 0 {
			pIn.RedeemScript = in.RedeemScript
		}
		if len(in.WitnessScript) > 0 {
			pIn.WitnessScript = in.WitnessScript
		}
		if len(in.Bip32Derivation) > 0 {
			pIn.Bip32Derivation = in.Bip32Derivation
		}
		if len(in.TaprootBip32Derivation) > 0 {
			pIn.TaprootBip32Derivation = in.TaprootBip32Derivation
			pIn.TaprootInternalKey = in.TaprootInternalKey
		}
		pIn.SighashType = txscript.SigHashAll
	}

	if err := packet.SanityCheck(); err != nil {
		return nil, fmt.Errorf("packet sanity check: %w", err)
	}

	return packet, nil
}

// Fee returns the absolute fee of the packet from its previous output data.
func Fee(packet *psbt.Packet) (btcutil.Amount, error) {
	return packet.GetTxFee()
}

// Encode returns the base64 encoding of the packet.
func Encode(packet *psbt.Packet) (string, error) {
	return packet.B64Encode()
}

// Decode parses a base64 or binary encoded packet.
func Decode(s string) (*psbt.Packet, error) {
	raw := []byte(s)
	if bytes.HasPrefix(raw, []byte("psbt\xff")) {
		return psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	}

	return psbt.NewFromRawBytes(bytes.NewReader(raw), true)
}

// Extract finalizes every input that is not yet final and returns the fully
// signed transaction.
func Extract(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("unable to finalize packet: %w", err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("unable to extract tx: %w", err)
	}

	return tx, nil
}

// Publish extracts the signed transaction from packet and hands it to the
// broadcaster.
func Publish(ctx context.Context, b backend.Broadcaster,
	packet *psbt.Packet) (chainhash.Hash, error) {

	tx, err := Extract(packet)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := b.Broadcast(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("broadcast %v: %w",
			tx.TxHash(), err)
	}

	log.Infof("Published transaction %v", txid)

	return txid, nil
}
