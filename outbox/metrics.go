package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outboxPublished = promauto.NewCounter(prometheus.CounterOpts{
	Name: "catga_outbox_published_total",
	Help: "Outbox records published successfully.",
})

var outboxFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "catga_outbox_publish_failures_total",
	Help: "Outbox publish attempts that failed.",
})
