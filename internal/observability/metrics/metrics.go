package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for voice call sessions.
type CallMetrics struct {
	callsTotal     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	dispatchTotal  *prometheus.CounterVec
	lookupLatency  *prometheus.HistogramVec
	callDuration   prometheus.Histogram
	activeSessions prometheus.Gauge
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceintake",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Total calls by terminal status",
		}, []string{"status"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceintake",
			Subsystem: "bridge",
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped on queue overflow",
		}, []string{"leg"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceintake",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Completion dispatch attempts by outcome",
		}, []string{"outcome"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voiceintake",
			Subsystem: "lookup",
			Name:      "latency_seconds",
			Help:      "Latency of external validation lookups",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter", "result"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voiceintake",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Duration of completed calls",
			Buckets:   []float64{15, 30, 60, 120, 240, 480, 960},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceintake",
			Subsystem: "calls",
			Name:      "active",
			Help:      "Currently active call sessions",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.framesDropped, m.dispatchTotal, m.lookupLatency, m.callDuration, m.activeSessions)
	return m
}

func (m *CallMetrics) ObserveCallEnded(status string, seconds float64) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(status).Inc()
	m.callDuration.Observe(seconds)
	m.activeSessions.Dec()
}

func (m *CallMetrics) ObserveCallStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *CallMetrics) ObserveFrameDropped(leg string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(leg).Inc()
}

func (m *CallMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *CallMetrics) ObserveLookup(adapter, result string, seconds float64) {
	if m == nil {
		return
	}
	m.lookupLatency.WithLabelValues(adapter, result).Observe(seconds)
}
