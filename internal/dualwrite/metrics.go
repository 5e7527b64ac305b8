package dualwrite

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricWrites         = "writes_total"
	MetricReportOutcomes = "report_outcomes_total"
	MetricMirrorFailures = "mirror_failures_total"
)

var CounterWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "dualwrite",
		Name:      MetricWrites,
		Help:      "Relational writes by record kind, operation and result.",
	},
	[]string{"kind", "operation", "result"},
)

var CounterReportOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "dualwrite",
		Name:      MetricReportOutcomes,
		Help:      "Resolver outcomes for workflow status reports.",
	},
	[]string{"kind", "outcome"},
)

var CounterMirrorFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "dualwrite",
		Name:      MetricMirrorFailures,
		Help:      "Document, index and object mirror writes that failed after commit.",
	},
	[]string{"kind", "target"},
)

func init() {
	prometheus.MustRegister(CounterWrites)
	prometheus.MustRegister(CounterReportOutcomes)
	prometheus.MustRegister(CounterMirrorFailures)
}
