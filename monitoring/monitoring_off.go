//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/btcvault/walletcore/corecfg"
	"github.com/prometheus/client_golang/prometheus"
)

// ExportPrometheusMetrics is a stub so that Prometheus metric exporting can be
// hidden behind a build tag.
func ExportPrometheusMetrics(_ prometheus.Gatherer,
	_ corecfg.Prometheus) error {

	return fmt.Errorf("walletcore must be built with the monitoring tag " +
		"to enable exporting Prometheus metrics")
}
