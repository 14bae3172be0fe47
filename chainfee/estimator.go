package chainfee

import "context"

// Estimator provides fee rate estimates for a desired confirmation target,
// measured in blocks.
type Estimator interface {
	// EstimateFeeRate returns the estimated fee rate for confirmation
	// within the given number of blocks.
	EstimateFeeRate(ctx context.Context,
		confTarget uint32) (SatPerVByte, error)

	// RelayFeeRate returns the minimum fee rate required for
	// transactions to be relayed. This is also the basis for calculation
	// of the dust limit.
	RelayFeeRate() SatPerKVByte
}

// StaticEstimator will return a static value for all fee calculation
// requests.
type StaticEstimator struct {
	feeRate  SatPerVByte
	relayFee SatPerKVByte
}

// Compile-time check to ensure StaticEstimator implements Estimator.
var _ Estimator = (*StaticEstimator)(nil)

// NewStaticEstimator returns a new static fee estimator instance.
func NewStaticEstimator(feeRate SatPerVByte,
	relayFee SatPerKVByte) *StaticEstimator {

	return &StaticEstimator{
		feeRate:  feeRate,
		relayFee: relayFee,
	}
}

// EstimateFeeRate will return a static value for fee calculations.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) EstimateFeeRate(_ context.Context,
	_ uint32) (SatPerVByte, error) {

	return e.feeRate, nil
}

// RelayFeeRate returns the minimum fee rate required for transactions to be
// relayed.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) RelayFeeRate() SatPerKVByte {
	return e.relayFee
}
