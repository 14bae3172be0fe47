package rbf

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/psbtutil"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/btcvault/walletcore/txweight"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Replacement is an unsigned replacement transaction ready for signing.
type Replacement struct {
	// Packet wraps Tx together with the data of the spent outputs.
	Packet *psbt.Packet

	// Tx is the unsigned replacement.
	Tx *wire.MsgTx

	// Fee is the absolute fee paid by the replacement.
	Fee btcutil.Amount

	// OriginalFee is the absolute fee paid by the replaced transaction.
	OriginalFee btcutil.Amount

	// FeeRate is Fee over the estimated signed size.
	FeeRate chainfee.SatPerVByte

	// VSize is the estimated virtual size once signed.
	VSize int64

	// ChangeIndex is the position of the change output, unset when the
	// reduced change fell below the dust limit and was dropped.
	ChangeIndex fn.Option[int]

	// AddedInputs are the wallet outputs spent in addition to the
	// original inputs.
	AddedInputs []*backend.UTXO
}

type builderCfg struct {
	orig      *backend.Tx
	prevOuts  []*wire.TxOut
	origFee   btcutil.Amount
	origVSize int64
	feeRate   chainfee.SatPerVByte
	relayFee  chainfee.SatPerKVByte
	wallet    *backend.Wallet
	desc      descriptor.Descriptor
	locator   *derivation.Locator
}

// builder reshapes the original transaction until its change output, and
// if needed additional wallet inputs, pay the requested fee.
type builder struct {
	cfg *builderCfg

	tx        *wire.MsgTx
	prevOuts  []*wire.TxOut
	changeIdx int
	added     []*backend.UTXO

	// inputs accounts for the signed size of every input.
	inputs txweight.Estimator

	inputValue     btcutil.Amount
	recipientValue btcutil.Amount

	dropChange bool
	fee        btcutil.Amount
	vsize      int64
}

func newBuilder(cfg *builderCfg) (*builder, error) {
	orig := cfg.orig.MsgTx
	changeIdx := -1
	for i, out := range orig.TxOut {
		if cfg.wallet.IsChangeScript(out.PkScript) {
			changeIdx = i
			break
		}
	}
	if changeIdx < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoChangeOutput,
			orig.TxHash())
	}

	b := &builder{
		cfg:       cfg,
		tx:        wire.NewMsgTx(orig.Version),
		prevOuts:  slices.Clone(cfg.prevOuts),
		changeIdx: changeIdx,
	}
	b.tx.LockTime = orig.LockTime

	for i, in := range orig.TxIn {
		// Inputs that already signal keep their sequence so relative
		// lock times survive.
		seq := in.Sequence
		if seq > txinspect.MaxRBFSequence {
			seq = txinspect.RBFSequence
		}

		txIn := wire.NewTxIn(&in.PreviousOutPoint, nil, nil)
		txIn.Sequence = seq
		b.tx.AddTxIn(txIn)

		if err := b.inputs.AddDescriptorInput(cfg.desc); err != nil {
			return nil, err
		}

		b.inputValue += btcutil.Amount(cfg.prevOuts[i].Value)
	}

	for i, out := range orig.TxOut {
		b.tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))

		if i != changeIdx {
			b.recipientValue += btcutil.Amount(out.Value)
		}
	}

	return b, nil
}

// candidates returns the confirmed unspent wallet outputs that may fund a
// replacement of orig, largest first.
func candidates(utxos []*backend.UTXO, orig *backend.Tx) []*backend.UTXO {
	spent := make(map[wire.OutPoint]struct{}, len(orig.MsgTx.TxIn))
	for _, in := range orig.MsgTx.TxIn {
		spent[in.PreviousOutPoint] = struct{}{}
	}

	// BIP-125 forbids new unconfirmed inputs.
	origHash := orig.TxHash()
	usable := make([]*backend.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Spent || u.Confirmations == 0 ||
			u.OutPoint.Hash == origHash {

			continue
		}
		if _, ok := spent[u.OutPoint]; ok {
			continue
		}

		usable = append(usable, u)
	}

	slices.SortStableFunc(usable, func(a, b *backend.UTXO) int {
		return cmp.Compare(b.Value, a.Value)
	})

	return usable
}

// requiredFee is the fee a replacement of the given size has to pay: the
// requested rate, and at least the original fee plus the incremental relay
// fee for its own size.
func (b *builder) requiredFee(vsize int64) btcutil.Amount {
	atRate := b.cfg.feeRate.FeeForVSize(vsize)
	minimum := b.cfg.origFee + b.cfg.relayFee.FeeForVSize(vsize)

	return max(atRate, minimum)
}

func outputVSize(out *wire.TxOut) int64 {
	return int64(out.SerializeSize())
}

// estimateVSize estimates the signed size of the replacement. The size of
// the signed original serves as a floor.
func (b *builder) estimateVSize(withChange bool) int64 {
	est := b.inputs

	floor := b.cfg.origVSize
	for i, out := range b.tx.TxOut {
		if i == b.changeIdx && !withChange {
			floor -= outputVSize(out)
			continue
		}

		est.AddTxOutput(out)
	}

	return max(est.VSize(), floor)
}

// settle tries to pay the required fee with the current inputs. It returns
// false if more inputs are needed.
func (b *builder) settle() bool {
	available := b.inputValue - b.recipientValue

	change := b.tx.TxOut[b.changeIdx]
	dustLimit := txrules.GetDustThreshold(
		len(change.PkScript), txrules.DefaultRelayFeePerKb,
	)

	vsize := b.estimateVSize(true)
	fee := b.requiredFee(vsize)
	if left := available - fee; left >= dustLimit {
		change.Value = int64(left)
		b.dropChange = false
		b.fee = fee
		b.vsize = vsize

		return true
	}

	// The change would be dust, the remainder goes to the miners. A
	// transaction needs at least one output though.
	if len(b.tx.TxOut) < 2 {
		return false
	}

	vsize = b.estimateVSize(false)
	fee = b.requiredFee(vsize)
	if available >= fee {
		b.dropChange = true
		b.fee = available
		b.vsize = vsize

		return true
	}

	return false
}

func (b *builder) addInput(u *backend.UTXO) error {
	if err := b.inputs.AddDescriptorInput(b.cfg.desc); err != nil {
		return err
	}

	txIn := wire.NewTxIn(&u.OutPoint, nil, nil)
	txIn.Sequence = txinspect.RBFSequence
	b.tx.AddTxIn(txIn)

	b.prevOuts = append(b.prevOuts, u.TxOut())
	b.added = append(b.added, u)
	b.inputValue += u.Value

	return nil
}

// fund settles the fee, adding wallet outputs from utxos in order until the
// fee is covered.
func (b *builder) fund(utxos []*backend.UTXO) error {
	for !b.settle() {
		if len(utxos) == 0 {
			return fmt.Errorf("%w: inputs %v, recipients %v, fee "+
				"%v", ErrInsufficientFunds, b.inputValue,
				b.recipientValue,
				b.requiredFee(b.estimateVSize(false)))
		}

		log.Debugf("Change cannot absorb fee, adding input %v (%v)",
			utxos[0].OutPoint, utxos[0].Value)

		if err := b.addInput(utxos[0]); err != nil {
			return err
		}
		utxos = utxos[1:]
	}

	return nil
}

// finish assembles the replacement and its packet. Inputs spending wallet
// addresses carry their scripts and key derivations. Full previous
// transactions are fetched for inputs that do not spend a witness program.
func (b *builder) finish(ctx context.Context,
	chain backend.TxSource) (*Replacement, error) {

	changeIndex := fn.Some(b.changeIdx)
	if b.dropChange {
		b.tx.TxOut = slices.Delete(
			b.tx.TxOut, b.changeIdx, b.changeIdx+1,
		)
		changeIndex = fn.None[int]()
	}

	inputs := make([]psbtutil.Input, len(b.tx.TxIn))
	for i, prevOut := range b.prevOuts {
		in, err := psbtutil.LocateInput(b.cfg.locator, prevOut)
		if err != nil {
			return nil, err
		}
		inputs[i] = in

		if txscript.IsWitnessProgram(prevOut.PkScript) {
			continue
		}

		op := b.tx.TxIn[i].PreviousOutPoint
		prevTx, err := chain.FetchTx(ctx, op.Hash)
		if err != nil {
			return nil, fmt.Errorf("fetch previous tx %v: %w",
				op.Hash, err)
		}
		inputs[i].PrevTx = prevTx.MsgTx
	}

	packet, err := psbtutil.NewPacket(b.tx, inputs)
	if err != nil {
		return nil, err
	}

	return &Replacement{
		Packet:      packet,
		Tx:          b.tx,
		Fee:         b.fee,
		OriginalFee: b.cfg.origFee,
		FeeRate:     chainfee.FeeRate(b.fee, b.vsize),
		VSize:       b.vsize,
		ChangeIndex: changeIndex,
		AddedInputs: b.added,
	}, nil
}
