package ingest

import "github.com/prometheus/client_golang/prometheus"

var CounterMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Workflow messages by processing result.",
	},
	[]string{"result"},
)

var GaugeQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Envelopes waiting for a worker.",
	},
)

var HistogramProcessSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "cumulus",
		Subsystem: "ingest",
		Name:      "process_seconds",
		Help:      "Time spent applying one workflow message.",
		Buckets:   prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(CounterMessages)
	prometheus.MustRegister(GaugeQueueDepth)
	prometheus.MustRegister(HistogramProcessSeconds)
}
