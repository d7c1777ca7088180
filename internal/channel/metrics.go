package channel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tOgg1/scrollback/internal/history"
)

const metricsNamespace = "scrollback"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Reconciliations    *prometheus.CounterVec
	StaleResults       prometheus.Counter
	ProtocolViolations prometheus.Counter
	Fetches            *prometheus.CounterVec
	FetchDuration      prometheus.Histogram
	LoadedMessages     *prometheus.GaugeVec
	OpenGaps           *prometheus.GaugeVec
	OpenChannels       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliations applied to a channel sequence, by input kind.",
		}, []string{"kind"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_results_total",
			Help:      "Fetch results and events dropped because they no longer applied.",
		}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_violations_total",
			Help:      "History pages discarded as malformed.",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetches_total",
			Help:      "Completed history fetches, by verdict.",
		}, []string{"verdict"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of history page fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		LoadedMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "loaded_messages",
			Help:      "Messages held in memory per channel.",
		}, []string{"channel"}),
		OpenGaps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_gaps",
			Help:      "Unfetched ranges per channel.",
		}, []string{"channel"}),
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_channels",
			Help:      "Channels with live state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Reconciliations,
			m.StaleResults,
			m.ProtocolViolations,
			m.Fetches,
			m.FetchDuration,
			m.LoadedMessages,
			m.OpenGaps,
			m.OpenChannels,
		)
	}
	return m
}

func (m *Metrics) observeSequence(channel string, seq *history.Sequence) {
	if m == nil {
		return
	}
	m.LoadedMessages.WithLabelValues(channel).Set(float64(seq.MessageCount()))
	m.OpenGaps.WithLabelValues(channel).Set(float64(seq.GapCount()))
}

func (m *Metrics) forget(channel string) {
	if m == nil {
		return
	}
	m.LoadedMessages.DeleteLabelValues(channel)
	m.OpenGaps.DeleteLabelValues(channel)
}
