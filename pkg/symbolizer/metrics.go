package symbolizer

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dotnet/corefx-tools/pkg/symstore"
)

const (
	statusSuccess = "success"

	statusErrorPrefix = "error:"

	statusErrorNoCodeView = statusErrorPrefix + "no_codeview"
	statusErrorNotFound   = statusErrorPrefix + "not_found"
	statusErrorLoad       = statusErrorPrefix + "load"
	statusErrorCanceled   = statusErrorPrefix + "canceled"
	statusErrorOther      = statusErrorPrefix + "other"

	sourceDebugInfo     = "debug_info"
	sourceExports       = "exports"
	sourceUnresolved    = "unresolved"
	sourceUnknownModule = "unknown_module"
)

type metrics struct {
	moduleLoads *prometheus.HistogramVec
	resolutions *prometheus.CounterVec
	sessions    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		moduleLoads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackparser_symbolizer_module_load_duration_seconds",
			Help:    "Time spent locating and loading debug information for a module by status",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"status"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackparser_symbolizer_resolutions_total",
			Help: "Address resolutions by the source that answered them",
		}, []string{"source"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackparser_symbolizer_open_sessions",
			Help: "Number of debug information sessions currently open",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.moduleLoads, m.resolutions, m.sessions)
	}
	return m
}

func loadStatus(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, errNoCodeView):
		return statusErrorNoCodeView
	case errors.Is(err, symstore.ErrNotFound):
		return statusErrorNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusErrorCanceled
	case errors.As(err, new(loadError)):
		return statusErrorLoad
	default:
		return statusErrorOther
	}
}
