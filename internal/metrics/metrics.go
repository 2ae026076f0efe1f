// Package metrics is the prometheus collector registry for the VQE-C
// dataplane: per-channel counters for PCM gaps/duplicates/evictions, NACK
// requests, policer drops, jumbo suppressions, sink queue drops, RTCP
// report cadence, and TSRAP burst sizes. Grounded on the go.mod dependency on
// github.com/prometheus/client_golang and on the promauto direct-counter
// idiom used throughout the retrieval pack's gateway/exporter examples
// (e.g. runZeroInc-sockstats/pkg/exporter), adapted here to package-level
// vectors labeled by channel_id rather than a custom Collector, since this
// module's cardinality (channels, not raw sockets) is small and static per
// process lifetime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vqec"

var (
	PCMGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pcm", Name: "gaps_total",
		Help: "Gaps opened in the packet cache, labeled by channel.",
	}, []string{"channel_id"})

	PCMDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pcm", Name: "duplicates_total",
		Help: "Duplicate packets rejected by the packet cache.",
	}, []string{"channel_id"})

	PCMEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pcm", Name: "evicted_total",
		Help: "Packets evicted from the cache at capacity without ever arriving.",
	}, []string{"channel_id"})

	GapReporterRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "gapreport", Name: "repairs_requested_total",
		Help: "Sequence numbers encoded into a Generic NACK request.",
	}, []string{"channel_id"})

	GapReporterPoliced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "gapreport", Name: "policed_requests_total",
		Help: "Repair requests denied by the ER policer token bucket.",
	}, []string{"channel_id"})

	GapReporterJumboSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "gapreport", Name: "jumbo_suppressed_total",
		Help: "Gap batches suppressed for exceeding the per-packet FCI cap.",
	}, []string{"channel_id"})

	GapReporterNACKs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "gapreport", Name: "generic_nack_total",
		Help: "Generic NACK RTCP reports sent.",
	}, []string{"channel_id"})

	SinkQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sink", Name: "queue_drops_total",
		Help: "Packets dropped because a sink's bounded FIFO was full.",
	}, []string{"channel_id"})

	RTCPReportsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rtcp", Name: "reports_sent_total",
		Help: "Compound RTCP reports sent, labeled by channel.",
	}, []string{"channel_id"})

	TSRAPBurstBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tsrap", Name: "burst_bytes",
		Help:    "Size in bytes of emitted TSRAP splice-in bursts.",
		Buckets: prometheus.ExponentialBuckets(188, 2, 12),
	}, []string{"channel_id"})

	GraphChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "graph", Name: "channels_active",
		Help: "Number of channel graphs currently created.",
	})
)

// Handler returns the process-wide /metrics HTTP handler, the equivalent
// of the dropped internal/health "is it alive" endpoint but
// backed by the default prometheus registry promauto registers into.
func Handler() http.Handler {
	return promhttp.Handler()
}
