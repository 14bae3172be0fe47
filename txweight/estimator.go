package txweight

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/descriptor"
)

// Estimator is able to calculate weight estimates for transactions based on
// the input and output types. For purposes of estimation, all signatures are
// assumed to be of the maximum possible size, 73 bytes. Each method of the
// estimator returns an instance with the estimate applied. This allows
// callers to chain each of the methods.
type Estimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddP2PKHInput updates the weight estimate to account for an additional
// input spending a P2PKH output.
func (e *Estimator) AddP2PKHInput() *Estimator {
	e.inputSize += InputSize + P2PKHScriptSigSize
	e.inputWitnessSize++
	e.inputCount++

	return e
}

// AddP2WKHInput updates the weight estimate to account for an additional
// input spending a native P2PWKH output.
func (e *Estimator) AddP2WKHInput() *Estimator {
	return e.AddWitnessInput(P2WKHWitnessSize)
}

// AddNestedP2WKHInput updates the weight estimate to account for an
// additional input spending a P2SH output with a nested P2WKH redeem script.
func (e *Estimator) AddNestedP2WKHInput() *Estimator {
	e.inputSize += InputSize + NestedP2WPKHScriptSigSize
	e.inputWitnessSize += P2WKHWitnessSize
	e.inputCount++
	e.hasWitness = true

	return e
}

// AddTaprootKeySpendInput updates the weight estimate to account for an
// additional input spending a segwit v1 pay-to-taproot output using the key
// spend path.
func (e *Estimator) AddTaprootKeySpendInput() *Estimator {
	return e.AddWitnessInput(TaprootKeyPathWitnessSize)
}

// AddMultiSigInput updates the weight estimate to account for an additional
// input spending a k-of-n CHECKMULTISIG witness script, optionally nested in
// P2SH.
func (e *Estimator) AddMultiSigInput(k, n int, nested bool) *Estimator {
	if !nested {
		return e.AddWitnessInput(MultiSigWitnessSize(k, n))
	}

	e.inputSize += InputSize + NestedP2WSHScriptSigSize
	e.inputWitnessSize += MultiSigWitnessSize(k, n)
	e.inputCount++
	e.hasWitness = true

	return e
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native pay-to-witness output. This accepts the total size
// of the witness as a parameter.
func (e *Estimator) AddWitnessInput(witnessSize int) *Estimator {
	e.inputSize += InputSize
	e.inputWitnessSize += witnessSize
	e.inputCount++
	e.hasWitness = true

	return e
}

// AddDescriptorInput updates the weight estimate to account for an input
// spending an output of the given descriptor.
func (e *Estimator) AddDescriptorInput(d descriptor.Descriptor) error {
	switch d := d.(type) {
	case *descriptor.SingleKey:
		switch d.ScriptType {
		case descriptor.P2PKH:
			e.AddP2PKHInput()
		case descriptor.P2SHP2WPKH:
			e.AddNestedP2WKHInput()
		case descriptor.P2WPKH:
			e.AddP2WKHInput()
		case descriptor.P2TR:
			e.AddTaprootKeySpendInput()
		default:
			return fmt.Errorf("unknown script type %v",
				d.ScriptType)
		}

	case *descriptor.SortedMulti:
		switch d.Wrapping {
		case descriptor.P2WSH:
			e.AddMultiSigInput(d.Threshold, len(d.Keys), false)
		case descriptor.P2SHP2WSH:
			e.AddMultiSigInput(d.Threshold, len(d.Keys), true)
		default:
			return fmt.Errorf("unknown wrapping %v", d.Wrapping)
		}

	default:
		return fmt.Errorf("unknown descriptor %T", d)
	}

	return nil
}

// AddTxOutput adds a known TxOut to the weight estimator.
func (e *Estimator) AddTxOutput(txOut *wire.TxOut) *Estimator {
	return e.AddOutput(txOut.PkScript)
}

// AddOutput estimates the weight of an output based on the pkScript.
func (e *Estimator) AddOutput(pkScript []byte) *Estimator {
	e.outputSize += 8 + wire.VarIntSerializeSize(uint64(len(pkScript))) +
		len(pkScript)
	e.outputCount++

	return e
}

// AddP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (e *Estimator) AddP2WKHOutput() *Estimator {
	return e.addOutputSize(P2WPKHSize)
}

// AddP2TROutput updates the weight estimate to account for an additional
// P2TR output.
func (e *Estimator) AddP2TROutput() *Estimator {
	return e.addOutputSize(P2TRSize)
}

// AddP2WSHOutput updates the weight estimate to account for an additional
// P2WSH output.
func (e *Estimator) AddP2WSHOutput() *Estimator {
	return e.addOutputSize(P2WSHSize)
}

// AddP2PKHOutput updates the weight estimate to account for an additional
// P2PKH output.
func (e *Estimator) AddP2PKHOutput() *Estimator {
	return e.addOutputSize(P2PKHSize)
}

// AddP2SHOutput updates the weight estimate to account for an additional
// P2SH output.
func (e *Estimator) AddP2SHOutput() *Estimator {
	return e.addOutputSize(P2SHSize)
}

func (e *Estimator) addOutputSize(scriptSize int) *Estimator {
	e.outputSize += 8 + 1 + scriptSize
	e.outputCount++

	return e
}

// Weight gets the estimated weight of the transaction.
func (e *Estimator) Weight() int64 {
	txSizeStripped := BaseTxSize +
		wire.VarIntSerializeSize(uint64(e.inputCount)) + e.inputSize +
		wire.VarIntSerializeSize(uint64(e.outputCount)) + e.outputSize
	weight := txSizeStripped * witnessScaleFactor
	if e.hasWitness {
		weight += WitnessHeaderSize + e.inputWitnessSize
	}

	return int64(weight)
}

// VSize gets the estimated virtual size of the transaction, in vbytes.
func (e *Estimator) VSize() int64 {
	return (e.Weight() + witnessScaleFactor - 1) / witnessScaleFactor
}

// Fee returns the fee of the estimated transaction at the given rate.
func (e *Estimator) Fee(rate chainfee.SatPerVByte) btcutil.Amount {
	return rate.FeeForVSize(e.VSize())
}
