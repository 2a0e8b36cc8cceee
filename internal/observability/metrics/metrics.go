package metrics

import "github.com/prometheus/client_golang/prometheus"

// JobMetrics exposes counters/histograms for the durable job queues.
type JobMetrics struct {
	processedTotal *prometheus.CounterVec
	stalledTotal   *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Jobs taken off a queue, by terminal outcome",
		}, []string{"queue", "outcome"}),
		stalledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "jobs",
			Name:      "stalled_total",
			Help:      "Active jobs requeued after their lease expired",
		}, []string{"queue"}),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escalation",
			Subsystem: "jobs",
			Name:      "handler_seconds",
			Help:      "Handler execution time per queue",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.processedTotal, m.stalledTotal, m.handlerSeconds)
	return m
}

func (m *JobMetrics) ObserveProcessed(queue, outcome string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(queue, outcome).Inc()
}

func (m *JobMetrics) ObserveStalled(queue string) {
	if m == nil {
		return
	}
	m.stalledTotal.WithLabelValues(queue).Inc()
}

func (m *JobMetrics) ObserveHandler(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerSeconds.WithLabelValues(queue).Observe(seconds)
}

// EscalationMetrics counts cascade activity per provider-visible dimension.
type EscalationMetrics struct {
	wavesTotal   *prometheus.CounterVec
	offersTotal  *prometheus.CounterVec
	acceptsTotal *prometheus.CounterVec
	eventsTotal  *prometheus.CounterVec
}

func NewEscalationMetrics(reg prometheus.Registerer) *EscalationMetrics {
	m := &EscalationMetrics{
		wavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "cascade",
			Name:      "waves_sent_total",
			Help:      "SMS waves dispatched, by wave number",
		}, []string{"wave"}),
		offersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "cascade",
			Name:      "offers_total",
			Help:      "Outbound offer calls, by terminal outcome",
		}, []string{"outcome"}),
		acceptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "cascade",
			Name:      "accepts_total",
			Help:      "TryAccept results, by source and verdict",
		}, []string{"source", "result"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "cascade",
			Name:      "events_published_total",
			Help:      "Dashboard events published, by kind",
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.wavesTotal, m.offersTotal, m.acceptsTotal, m.eventsTotal)
	return m
}

func (m *EscalationMetrics) ObserveWave(wave string) {
	if m == nil {
		return
	}
	m.wavesTotal.WithLabelValues(wave).Inc()
}

func (m *EscalationMetrics) ObserveOffer(outcome string) {
	if m == nil {
		return
	}
	m.offersTotal.WithLabelValues(outcome).Inc()
}

func (m *EscalationMetrics) ObserveAccept(source, result string) {
	if m == nil {
		return
	}
	m.acceptsTotal.WithLabelValues(source, result).Inc()
}

func (m *EscalationMetrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// CallMetrics covers the voice surface: webhooks, media sessions, audio uploads.
type CallMetrics struct {
	webhookLatency *prometheus.HistogramVec
	mediaSessions  prometheus.Gauge
	audioUploads   *prometheus.CounterVec
	ttsSynthesized *prometheus.CounterVec
	transfersTotal *prometheus.CounterVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escalation",
			Subsystem: "calls",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of carrier webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"webhook"}),
		mediaSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escalation",
			Subsystem: "calls",
			Name:      "media_sessions",
			Help:      "Live media-stream WebSocket sessions",
		}),
		audioUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "calls",
			Name:      "audio_uploads_total",
			Help:      "Recording archive uploads, by outcome",
		}, []string{"outcome"}),
		ttsSynthesized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "calls",
			Name:      "tts_requests_total",
			Help:      "Prompt synthesis requests, by cache result",
		}, []string{"cache"}),
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalation",
			Subsystem: "calls",
			Name:      "transfers_total",
			Help:      "Mid-call transfers, by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookLatency, m.mediaSessions, m.audioUploads, m.ttsSynthesized, m.transfersTotal)
	return m
}

func (m *CallMetrics) ObserveWebhookLatency(webhook string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(webhook).Observe(seconds)
}

func (m *CallMetrics) MediaSessionStarted() {
	if m == nil {
		return
	}
	m.mediaSessions.Inc()
}

func (m *CallMetrics) MediaSessionEnded() {
	if m == nil {
		return
	}
	m.mediaSessions.Dec()
}

func (m *CallMetrics) ObserveAudioUpload(outcome string) {
	if m == nil {
		return
	}
	m.audioUploads.WithLabelValues(outcome).Inc()
}

func (m *CallMetrics) ObserveTTS(cache string) {
	if m == nil {
		return
	}
	m.ttsSynthesized.WithLabelValues(cache).Inc()
}

func (m *CallMetrics) ObserveTransfer(outcome string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(outcome).Inc()
}
