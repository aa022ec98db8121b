package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the prometheus collectors exposed at GET /metrics. The
// shape (promauto-registered Gauge/Counter/Histogram per pipeline stage)
// follows the jpeg-pool instrumentation in the asicamera2 example and the
// ingest-pipeline counters in ariadne.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	QueueDropped    *prometheus.CounterVec
	FramesPublished prometheus.Counter
	InferenceFPS    prometheus.Gauge
	SnapshotsTaken  prometheus.Counter
	HeartbeatFails  prometheus.Counter
	ExamsStarted    prometheus.Counter
	EncodeLatency   prometheus.Histogram
}

// NewMetrics registers all collectors against the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests should use a fresh
// prometheus.NewRegistry() to avoid cross-test collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proctor_node",
			Name:      "queue_depth",
			Help:      "Current number of items queued, by queue name.",
		}, []string{"queue"}),
		QueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor_node",
			Name:      "queue_dropped_total",
			Help:      "Items dropped for being oldest in a full queue, by queue name.",
		}, []string{"queue"}),
		FramesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor_node",
			Name:      "frames_published_total",
			Help:      "Annotated JPEGs published to the frame bus.",
		}),
		InferenceFPS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "proctor_node",
			Name:      "inference_fps",
			Help:      "Post-processor's rolling FPS estimate.",
		}),
		SnapshotsTaken: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor_node",
			Name:      "snapshots_total",
			Help:      "Anomaly evidence snapshots written to disk.",
		}),
		HeartbeatFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor_node",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat POSTs that did not complete successfully.",
		}),
		ExamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor_node",
			Name:      "exams_started_total",
			Help:      "Successful StartExam calls.",
		}),
		EncodeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proctor_node",
			Name:      "jpeg_encode_seconds",
			Help:      "Time spent resizing and JPEG-encoding an annotated frame.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
