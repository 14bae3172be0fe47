package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walletcore"

const (
	// PlannerRBF labels metrics recorded by the replacement planner.
	PlannerRBF = "rbf"

	// PlannerCPFP labels metrics recorded by the CPFP planner.
	PlannerCPFP = "cpfp"

	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	derivations *prometheus.CounterVec
	rbfChecks   *prometheus.CounterVec
	builds      *prometheus.CounterVec
	feeRates    *prometheus.HistogramVec
}

// NewMetrics creates the engine collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		derivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "derivations_total",
				Help:      "Addresses derived by descriptor kind.",
			},
			[]string{"kind", "result"},
		),
		rbfChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rbf_checks_total",
				Help:      "Replaceability checks by outcome.",
			},
			[]string{"outcome"},
		),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fee_bump_builds_total",
				Help:      "Fee bump transactions built by planner.",
			},
			[]string{"planner", "result"},
		),
		feeRates: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fee_bump_rate_sat_per_vbyte",
				Help:      "Fee rate of built fee bump transactions.",
				Buckets: []float64{
					1, 2, 5, 10, 20, 50, 100, 200, 500,
				},
			},
			[]string{"planner"},
		),
	}

	collectors := []prometheus.Collector{
		m.derivations, m.rbfChecks, m.builds, m.feeRates,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func result(err error) string {
	if err != nil {
		return resultError
	}

	return resultOK
}

// ObserveDerivation counts one derivation of the given descriptor kind.
func (m *Metrics) ObserveDerivation(kind string, err error) {
	if m == nil {
		return
	}

	m.derivations.WithLabelValues(kind, result(err)).Inc()
}

// ObserveRBFCheck counts one replaceability check.
func (m *Metrics) ObserveRBFCheck(outcome string) {
	if m == nil {
		return
	}

	m.rbfChecks.WithLabelValues(outcome).Inc()
}

// ObserveBuild counts one build attempt of the given planner.
func (m *Metrics) ObserveBuild(planner string, err error) {
	if m == nil {
		return
	}

	m.builds.WithLabelValues(planner, result(err)).Inc()
}

// ObserveFeeRate records the fee rate of a built transaction.
func (m *Metrics) ObserveFeeRate(planner string, satPerVByte float64) {
	if m == nil {
		return
	}

	m.feeRates.WithLabelValues(planner).Observe(satPerVByte)
}
