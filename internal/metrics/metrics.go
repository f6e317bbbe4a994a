// Package metrics exposes replay buffer and snapshot metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/recorder"
)

const namespace = "replay"

// Metrics holds the process registry and the metrics updated by events.
// Per-stream buffer state is collected at scrape time from a StatsFunc.
type Metrics struct {
	registry        *prometheus.Registry
	snapshots       *prometheus.CounterVec
	snapshotSeconds prometheus.Histogram
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
}

// StatsFunc returns the current state of every active recorder.
type StatsFunc func() []recorder.Stats

// New creates the metrics. If streams is non-nil, per-stream gauges and
// counters are read from it on every scrape.
func New(streams StatsFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshots requested, by result status",
		}, []string{"status"}),
		snapshotSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time from snapshot request to result",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the API",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "HTTP responses with status 400 or above",
		}),
	}
	m.registry.MustRegister(m.snapshots, m.snapshotSeconds, m.requestsTotal, m.errorsTotal)
	if streams != nil {
		m.registry.MustRegister(&streamCollector{stats: streams})
	}
	return m
}

// ObserveSnapshot records one snapshot result. It matches
// recorder.SnapshotFunc.
func (m *Metrics) ObserveSnapshot(_ string, res engine.Result, elapsed time.Duration) {
	m.snapshots.WithLabelValues(res.Status.String()).Inc()
	m.snapshotSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	bufferedPacketsDesc = prometheus.NewDesc(namespace+"_buffered_packets",
		"Packets held in the replay buffer", []string{"stream"}, nil)
	bufferedBytesDesc = prometheus.NewDesc(namespace+"_buffered_bytes",
		"Bytes held in the replay buffer", []string{"stream"}, nil)
	bufferedSecondsDesc = prometheus.NewDesc(namespace+"_buffered_seconds",
		"Time between the oldest and newest buffered packet", []string{"stream"}, nil)
	drainedDesc = prometheus.NewDesc(namespace+"_packets_drained_total",
		"Encoder output buffers drained", []string{"stream"}, nil)
	evictedDesc = prometheus.NewDesc(namespace+"_packets_evicted_total",
		"Packets evicted to make room for newer ones", []string{"stream"}, nil)
	oversizeDesc = prometheus.NewDesc(namespace+"_packets_oversize_total",
		"Packets rejected for exceeding the buffer capacity", []string{"stream"}, nil)
	framesDesc = prometheus.NewDesc(namespace+"_frames_demuxed_total",
		"Access units demuxed from the input", []string{"stream"}, nil)
)

type streamCollector struct {
	stats StatsFunc
}

func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bufferedPacketsDesc
	ch <- bufferedBytesDesc
	ch <- bufferedSecondsDesc
	ch <- drainedDesc
	ch <- evictedDesc
	ch <- oversizeDesc
	ch <- framesDesc
}

func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.stats() {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, st.Key)
		}
		counter := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, st.Key)
		}
		gauge(bufferedPacketsDesc, float64(st.BufferedPackets))
		gauge(bufferedBytesDesc, float64(st.BufferedBytes))
		gauge(bufferedSecondsDesc, float64(st.BufferedMs)/1000)
		counter(drainedDesc, float64(st.Drained))
		counter(evictedDesc, float64(st.Evicted))
		counter(oversizeDesc, float64(st.Oversize))
		counter(framesDesc, float64(st.Frames))
	}
}
