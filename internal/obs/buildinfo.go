package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Tavern gateway build information.",
		},
		[]string{"version", "instance"},
	)
)

// InitBuildInfo registers build_info once and sets build_info{version,instance} 1.
func InitBuildInfo(version, instance string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, instance).Set(1)
}
