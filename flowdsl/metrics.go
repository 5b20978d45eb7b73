package flowdsl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flowStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catga_flow_steps_total",
	Help: "Flow steps executed, by flow, step, and outcome.",
}, []string{"flow", "step", "outcome"})

var flowsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catga_flows_completed_total",
	Help: "Flows reaching a terminal status, by flow and status.",
}, []string{"flow", "status"})

func observeStep(flow, step string, ok bool) {
	var outcome = "ok"
	if !ok {
		outcome = "failed"
	}
	flowStepsTotal.WithLabelValues(flow, step, outcome).Inc()
}

func observeFlowDone(flow string, status Status) {
	flowsCompletedTotal.WithLabelValues(flow, string(status)).Inc()
}
