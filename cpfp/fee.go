package cpfp

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcvault/walletcore/chainfee"
)

// Plan is the fee split between a parent and a child spending one of its
// outputs.
type Plan struct {
	// ChildFee is the absolute fee the child has to pay.
	ChildFee btcutil.Amount

	// TotalFee is the fee of parent and child together.
	TotalFee btcutil.Amount

	// TotalVSize is the virtual size of parent and child together.
	TotalVSize int64

	// EffectiveFeeRate is the fee rate of the package.
	EffectiveFeeRate chainfee.SatPerVByte

	// ChildFeeRate is the fee rate of the child alone.
	ChildFeeRate chainfee.SatPerVByte

	// ParentFee is the fee already paid by the parent.
	ParentFee btcutil.Amount
}

// CalculateFee computes the child fee needed to lift the package of a parent
// of parentVSize paying parentFeeRate and a child of childVSize to the target
// fee rate. Fees are rounded up to the next satoshi.
//
// The child never pays less than it would at the target rate on its own, so
// a target at or below the parent rate yields a child at the target rate
// rather than a negative fee.
func CalculateFee(parentVSize int64, parentFeeRate chainfee.SatPerVByte,
	childVSize int64, target chainfee.SatPerVByte) Plan {

	totalVSize := parentVSize + childVSize
	parentFee := parentFeeRate.FeeForVSize(parentVSize)

	childFee := target.FeeForVSize(totalVSize) - parentFee
	effective := target

	// Clamp the fee to what would be required if the parent were not paid
	// for.
	standalone := target.FeeForVSize(childVSize)
	if childFee < standalone {
		childFee = standalone
		effective = chainfee.FeeRate(parentFee+childFee, totalVSize)
	}

	return Plan{
		ChildFee:         childFee,
		TotalFee:         parentFee + childFee,
		TotalVSize:       totalVSize,
		EffectiveFeeRate: effective,
		ChildFeeRate:     chainfee.FeeRate(childFee, childVSize),
		ParentFee:        parentFee,
	}
}
