package chainfee

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// feePrecision bounds the float error tolerated before rounding a fee up.
const feePrecision = 1e6

// SatPerVByte represents a fee rate in sat/vbyte. Rates computed from an
// observed fee and size are fractional.
type SatPerVByte float64

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes, rounded up to the next satoshi.
func (s SatPerVByte) FeeForVSize(vbytes int64) btcutil.Amount {
	fee := math.Round(float64(s)*float64(vbytes)*feePrecision) /
		feePrecision

	return btcutil.Amount(math.Ceil(fee))
}

// FeePerKWeight converts the current fee rate from sat/vb to sat/kw.
func (s SatPerVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(math.Round(
		float64(s) * 1000 / blockchain.WitnessScaleFactor,
	))
}

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(math.Round(float64(s) * 1000))
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%.2f sat/vb", float64(s))
}

// FeeRate computes the fee rate of a transaction paying fee at the given
// virtual size.
func FeeRate(fee btcutil.Amount, vbytes int64) SatPerVByte {
	if vbytes <= 0 {
		return 0
	}

	return SatPerVByte(float64(fee) / float64(vbytes))
}

// SatPerKVByte represents a fee rate in sat/kb.
type SatPerKVByte btcutil.Amount

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes.
func (s SatPerKVByte) FeeForVSize(vbytes int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(vbytes) / 1000
}

// FeePerKWeight converts the current fee rate from sat/kb to sat/kw.
func (s SatPerKVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s / blockchain.WitnessScaleFactor)
}

// FeePerVByte converts the current fee rate from sat/kb to sat/vb.
func (s SatPerKVByte) FeePerVByte() SatPerVByte {
	return SatPerVByte(float64(s) / 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%v sat/kvb", int64(s))
}

// SatPerKWeight represents a fee rate in sat/kw.
type SatPerKWeight btcutil.Amount

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu).
func (s SatPerKWeight) FeeForWeight(wu int64) btcutil.Amount {
	// The resulting fee is rounded down, as specified in BOLT#03.
	return btcutil.Amount(s) * btcutil.Amount(wu) / 1000
}

// FeeForVByte calculates the fee resulting from this fee rate and the given
// size in vbytes (vb).
func (s SatPerKWeight) FeeForVByte(vbytes int64) btcutil.Amount {
	return s.FeePerKVByte().FeeForVSize(vbytes)
}

// FeePerKVByte converts the current fee rate from sat/kw to sat/kb.
func (s SatPerKWeight) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * blockchain.WitnessScaleFactor)
}

// FeePerVByte converts the current fee rate from sat/kw to sat/vb.
func (s SatPerKWeight) FeePerVByte() SatPerVByte {
	return SatPerVByte(float64(s) * blockchain.WitnessScaleFactor / 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return fmt.Sprintf("%v sat/kw", int64(s))
}
