package monitoring

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestMetricsNil asserts that a nil Metrics can be used freely.
func TestMetricsNil(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveDerivation("wpkh", nil)
		m.ObserveRBFCheck("replaceable")
		m.ObserveBuild(PlannerRBF, errors.New("boom"))
		m.ObserveFeeRate(PlannerCPFP, 12.5)
	})
}

// TestMetricsRecord checks that observations reach the collectors.
func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.ObserveDerivation("wpkh", nil)
	m.ObserveDerivation("wpkh", nil)
	m.ObserveDerivation("wsh-sortedmulti", errors.New("bad key"))
	m.ObserveRBFCheck("confirmed")
	m.ObserveBuild(PlannerRBF, nil)
	m.ObserveBuild(PlannerCPFP, errors.New("dust"))
	m.ObserveFeeRate(PlannerRBF, 15)

	require.Equal(t, 2.0, testutil.ToFloat64(
		m.derivations.WithLabelValues("wpkh", resultOK),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.derivations.WithLabelValues("wsh-sortedmulti", resultError),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.rbfChecks.WithLabelValues("confirmed"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.builds.WithLabelValues(PlannerCPFP, resultError),
	))

	families, err := reg.Gather()
	require.NoError(t, err)

	var samples uint64
	for _, family := range families {
		if family.GetName() != "walletcore_fee_bump_rate_sat_per_vbyte" {
			continue
		}
		for _, metric := range family.GetMetric() {
			samples += metric.GetHistogram().GetSampleCount()
		}
	}
	require.EqualValues(t, 1, samples)

	// A second registration on the same registry collides.
	_, err = NewMetrics(reg)
	require.Error(t, err)
}
