//go:build monitoring
// +build monitoring

package monitoring

import (
	"net/http"
	"sync"

	"github.com/btcvault/walletcore/corecfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address, serving the metrics collected by gatherer.
func ExportPrometheusMetrics(gatherer prometheus.Gatherer,
	cfg corecfg.Prometheus) error {

	started.Do(func() {
		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			gatherer, promhttp.HandlerOpts{},
		))

		go func() {
			err := http.ListenAndServe(cfg.Listen, mux)
			if err != nil {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return nil
}
