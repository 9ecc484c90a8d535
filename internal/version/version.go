package version

import (
	"runtime"
	"runtime/debug"

	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AppVersion = "dev"
	GitCommit  string
)

// Current returns version attributes as slog key/value fields.
func Current() []any {
	return []any{
		"app", model.AppName,
		"version", AppVersion,
		"commit", commit(),
		"goVersion", runtime.Version(),
	}
}

func commit() string {
	if GitCommit != "" {
		return GitCommit
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
	}

	return "unknown"
}

// ExportBuildInfoMetric exposes the running build as a constant gauge.
func ExportBuildInfoMetric() {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbcfg_build_info",
			Help: "Build information for the running lbcfg binary.",
		},
		[]string{"version", "commit", "go_version"},
	)

	buildInfo.WithLabelValues(AppVersion, commit(), runtime.Version()).Set(1)
}
