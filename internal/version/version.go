// Package version хранит сведения о сборке, которые проставляются через -ldflags:
//
//	-X github.com/vladislavdragonenkov/orderdesk/internal/version.version=v1.2.0
package version

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// Fields: метки сборки для стартового лога.
func Fields() map[string]any {
	return map[string]any{"version": version, "commit": commit, "build_date": date}
}

// UserAgent для исходящих HTTP-запросов утилит (loadtest и т.п.).
func UserAgent(tool string) string {
	return fmt.Sprintf("orderdesk-%s/%s (%s)", tool, version, commit)
}

// BuildInfo: gauge orderdesk_build_info{version,commit,build_date} = 1.
func BuildInfo() prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "orderdesk_build_info",
		Help:        "Build metadata of the running orderdesk binary.",
		ConstLabels: prometheus.Labels{"version": version, "commit": commit, "build_date": date},
	}, func() float64 { return 1 })
}
