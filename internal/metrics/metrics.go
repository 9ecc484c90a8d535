package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	endpoint          = "0.0.0.0:9090"
	readHeaderTimeout = 2 * time.Second
)

var (
	AppliancesBootstrapped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lbcfg_appliances_bootstrapped_total",
			Help: "Number of appliances bootstrapped to completion.",
		},
	)

	AppliancesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lbcfg_appliances_skipped_total",
			Help: "Number of appliances found already licensed, license steps skipped.",
		},
	)

	AppliancesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbcfg_appliances_failed_total",
			Help: "Number of appliances that failed bootstrap, by step.",
		},
		[]string{"step"},
	)

	APICallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbcfg_api_call_errors_total",
			Help: "Number of appliance management API calls that returned an error, by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// ListenAndServe exposes the prometheus metrics endpoint.
func ListenAndServe() {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              endpoint,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()
}
