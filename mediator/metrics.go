package mediator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/catga/catga/pipeline"
	"github.com/catga/catga/result"
)

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catga_dispatch_total",
	Help: "Dispatches by kind, message type, and outcome code.",
}, []string{"kind", "type", "code"})

var dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "catga_dispatch_duration_seconds",
	Help:    "Request dispatch duration.",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"type"})

func observeDispatch(d pipeline.Descriptor, r result.Result[any], dur time.Duration) {
	var code = "ok"
	if !r.OK() {
		code = string(r.Code())
	}
	dispatchTotal.WithLabelValues(d.Kind.String(), d.TypeName, code).Inc()
	if dur > 0 {
		dispatchDuration.WithLabelValues(d.TypeName).Observe(dur.Seconds())
	}
}
