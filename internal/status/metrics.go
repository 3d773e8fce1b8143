package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's Prometheus instruments. The Tracker updates
// them as events are recorded so the /metrics endpoint and the JSON
// status surface stay consistent.
type Metrics struct {
	ReadingsCollected   prometheus.Counter
	ReadingsUploaded    prometheus.Counter
	ReadingsRejected    prometheus.Counter
	CollectionCycles    prometheus.Counter
	UploadCycles        *prometheus.CounterVec
	SequentialFallbacks prometheus.Counter

	QueueDepth       prometheus.Gauge
	OldestPendingAge prometheus.Gauge
	DevicesOffline   prometheus.Gauge
	UplinkConnected  prometheus.Gauge
	UploadFailures   prometheus.Gauge
}

// Upload cycle result label values.
const (
	CycleResultOK      = "ok"
	CycleResultAborted = "aborted"
)

// NewMetrics registers the agent's instruments with reg. A nil reg uses
// the default registerer, which is what production wiring wants; tests
// pass their own prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ReadingsCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metersync",
			Name:      "readings_collected_total",
			Help:      "Register values successfully read and queued.",
		}),
		ReadingsUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metersync",
			Name:      "readings_uploaded_total",
			Help:      "Readings confirmed by the remote and removed from the queue.",
		}),
		ReadingsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metersync",
			Name:      "readings_rejected_total",
			Help:      "Row-level rejections returned by the remote.",
		}),
		CollectionCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metersync",
			Name:      "collection_cycles_total",
			Help:      "Completed collection cycles.",
		}),
		UploadCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metersync",
			Name:      "upload_cycles_total",
			Help:      "Completed upload cycles by result.",
		}, []string{"result"}),
		SequentialFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metersync",
			Name:      "sequential_fallbacks_total",
			Help:      "Device collections that fell back to sequential reads.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metersync",
			Name:      "queue_depth",
			Help:      "Unsynchronised readings currently queued.",
		}),
		OldestPendingAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metersync",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest queued reading. Growth signals a stuck uplink.",
		}),
		DevicesOffline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metersync",
			Name:      "devices_offline",
			Help:      "Devices that failed their last connectivity probe.",
		}),
		UplinkConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metersync",
			Name:      "uplink_connected",
			Help:      "1 when the sync service is reachable, 0 otherwise.",
		}),
		UploadFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metersync",
			Name:      "upload_consecutive_failures",
			Help:      "Consecutive upload connectivity failures driving backoff.",
		}),
	}
}
