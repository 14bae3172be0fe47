package corecfg

import (
	"errors"
)

const (
	// DefaultMinFeeBump is the default increment in sat/vB a replacement
	// must add on top of the original fee rate.
	DefaultMinFeeBump = 1.0

	// DefaultRelayFee is the default minimum relay fee in sat/kvB.
	DefaultRelayFee = 1000

	// DefaultConfTarget is the default confirmation target used when no
	// explicit fee rate is given.
	DefaultConfTarget = 6
)

// FeePolicy holds the fee bumping policy.
//
//nolint:ll
type FeePolicy struct {
	MinFeeBump float64 `long:"minfeebump" description:"Minimum fee rate increment in sat/vB a replacement has to pay over the original transaction."`

	RelayFee int64 `long:"relayfee" description:"Minimum relay fee in sat/kvB charged for the size of a replacement (BIP-125 rule 4)."`

	EnforceMinimumBump bool `long:"enforceminimumbump" description:"Reject replacements below the original fee rate plus minfeebump instead of only requiring a higher fee rate."`

	ConfTarget uint32 `long:"conftarget" description:"Confirmation target in blocks used to pick a fee rate when none is given."`
}

// DefaultFeePolicy returns the default fee policy.
func DefaultFeePolicy() *FeePolicy {
	return &FeePolicy{
		MinFeeBump: DefaultMinFeeBump,
		RelayFee:   DefaultRelayFee,
		ConfTarget: DefaultConfTarget,
	}
}

// Validate checks the fee policy.
func (f *FeePolicy) Validate() error {
	switch {
	case f.MinFeeBump <= 0:
		return errors.New("fee.minfeebump must be positive")

	case f.RelayFee < 0:
		return errors.New("fee.relayfee must not be negative")

	case f.ConfTarget == 0:
		return errors.New("fee.conftarget must be at least 1")
	}

	return nil
}

// Compile-time constraint to ensure FeePolicy implements the Validator
// interface.
var _ Validator = (*FeePolicy)(nil)
