// Package metrics holds the prometheus collectors shared by the session and
// the quality monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is private to the process so tests can scrape it without the
	// default Go collectors interfering.
	Registry = prometheus.NewRegistry()

	// Call quality
	MOS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callpeer_mos",
		Help: "Last estimated mean opinion score (1 to 4.5)",
	})

	LossRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callpeer_loss_rate",
		Help: "Last computed packet loss rate (0 to 1)",
	})

	Jitter = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callpeer_jitter_ms",
		Help: "Last computed jitter in milliseconds",
	})

	Latency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callpeer_latency_ms",
		Help: "Last computed one-way latency in milliseconds",
	})

	// Signaling
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "callpeer_signaling_lock_wait_seconds",
		Help:    "Time spent waiting for the signaling lock",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 11), // 5ms to ~5s
	})

	LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callpeer_signaling_lock_timeouts_total",
		Help: "Total number of signaling lock attempts that timed out",
	})

	Renegotiations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callpeer_renegotiations_total",
		Help: "Total number of local offers generated",
	})

	CodecSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callpeer_codec_switches_total",
			Help: "Total number of outgoing video codec switches by target codec",
		},
		[]string{"codec"},
	)

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callpeer_control_decode_errors_total",
		Help: "Total number of dropped malformed control messages",
	})

	// Media relay
	RTPPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callpeer_rtp_packets_total",
			Help: "Total number of RTP packets read from remote tracks",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		MOS,
		LossRate,
		Jitter,
		Latency,
		LockWait,
		LockTimeouts,
		Renegotiations,
		CodecSwitches,
		DecodeErrors,
		RTPPackets,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveQuality records one monitor period.
func ObserveQuality(mos, loss, jitterMs, latencyMs float64) {
	MOS.Set(mos)
	LossRate.Set(loss)
	Jitter.Set(jitterMs)
	Latency.Set(latencyMs)
}
