package chainfee

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestSatPerVByteConversion checks that the conversion from sat/vb to either
// sat/kw or sat/kvb is correct.
func TestSatPerVByteConversion(t *testing.T) {
	t.Parallel()

	// Create a test fee rate of 1 sat/vb.
	rate := SatPerVByte(1)

	// 1 sat/vb should be equal to 1000 sat/kvb.
	require.Equal(t, SatPerKVByte(1000), rate.FeePerKVByte())

	// 1 sat/vb should be equal to 250 sat/kw.
	require.Equal(t, SatPerKWeight(250), rate.FeePerKWeight())

	// Fractional rates survive the round trip through sat/kvb.
	require.Equal(t, SatPerKVByte(2500), SatPerVByte(2.5).FeePerKVByte())
	require.Equal(t, SatPerVByte(2.5), SatPerKVByte(2500).FeePerVByte())
}

// TestFeeForVSize checks that fees are rounded up to the next satoshi.
func TestFeeForVSize(t *testing.T) {
	t.Parallel()

	require.Equal(t, btcutil.Amount(1000), SatPerVByte(5).FeeForVSize(200))
	require.Equal(t, btcutil.Amount(282), SatPerVByte(1.5).FeeForVSize(188))
	require.Equal(t, btcutil.Amount(1), SatPerVByte(0.01).FeeForVSize(1))
	require.Equal(t, btcutil.Amount(141), SatPerKVByte(1000).FeeForVSize(141))
	require.Equal(t, btcutil.Amount(500), SatPerKWeight(250).FeeForWeight(2000))
	require.Equal(t, btcutil.Amount(500), SatPerKWeight(250).FeeForVByte(500))
}

// TestFeeRate checks fee rate reconstruction from a fee and size.
func TestFeeRate(t *testing.T) {
	t.Parallel()

	require.Equal(t, SatPerVByte(5), FeeRate(1000, 200))
	require.Equal(t, SatPerVByte(0), FeeRate(1000, 0))
	require.InDelta(t, 1.4184, float64(FeeRate(200, 141)), 0.0001)
	require.Equal(t, "5.00 sat/vb", FeeRate(1000, 200).String())
}

// TestStaticEstimator checks the static estimator returns its inputs.
func TestStaticEstimator(t *testing.T) {
	t.Parallel()

	e := NewStaticEstimator(12, 1000)
	rate, err := e.EstimateFeeRate(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, SatPerVByte(12), rate)
	require.Equal(t, SatPerKVByte(1000), e.RelayFeeRate())
}
