package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument the service exports. One
// instance is created at startup and shared by reference; all instruments
// are registered on a private registry so tests can build isolated copies.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatcher
	SendAttempts  *prometheus.CounterVec   // labels: kind
	SendOutcomes  *prometheus.CounterVec   // labels: outcome
	SendLatency   prometheus.Histogram     // upstream round-trip seconds
	Retries       prometheus.Counter       // requeues after transient failures
	LimiterWaits  *prometheus.CounterVec   // labels: scope (number|workspace|global)
	LimiterNAKs   prometheus.Counter       // releases due to long wait hints
	WorkersActive prometheus.Gauge

	// Webhook intake
	WebhookEvents       *prometheus.CounterVec // labels: kind
	WebhookDeduped      prometheus.Counter
	WebhookBadSignature prometheus.Counter
	WebhookDropped      *prometheus.CounterVec // labels: reason
	StatusAdvances      *prometheus.CounterVec // labels: status
	StatusStale         prometheus.Counter
	StatusBuffered      prometheus.Counter

	// Campaigns
	CampaignBatches  prometheus.Counter
	CampaignMessages *prometheus.CounterVec // labels: status

	// Guard
	GuardPaused prometheus.Gauge
	CPUPercent  prometheus.Gauge
	MemoryBytes prometheus.Gauge
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		SendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_send_attempts_total",
			Help: "Upstream send attempts by message kind",
		}, []string{"kind"}),
		SendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_send_outcomes_total",
			Help: "Send outcomes (accepted, transient, permanent, rate_limited)",
		}, []string{"outcome"}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wasend_send_latency_seconds",
			Help:    "Upstream send round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_send_retries_total",
			Help: "Messages requeued after a retryable failure",
		}),
		LimiterWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_limiter_waits_total",
			Help: "Rate limiter wait hints by scope",
		}, []string{"scope"}),
		LimiterNAKs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_limiter_naks_total",
			Help: "Messages released back to the queue due to long limiter waits",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasend_workers_active",
			Help: "Dispatch workers currently processing a message",
		}),

		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_webhook_events_total",
			Help: "Webhook events accepted by kind",
		}, []string{"kind"}),
		WebhookDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_webhook_deduped_total",
			Help: "Webhook events skipped as duplicates",
		}),
		WebhookBadSignature: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_webhook_bad_signature_total",
			Help: "Webhook posts rejected for signature mismatch",
		}),
		WebhookDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_webhook_dropped_total",
			Help: "Webhook fragments dropped (unknown kind, parse failure)",
		}, []string{"reason"}),
		StatusAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_status_advances_total",
			Help: "Delivery-status transitions applied",
		}, []string{"status"}),
		StatusStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_status_stale_total",
			Help: "Delivery receipts ignored as stale (rank not increased)",
		}),
		StatusBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_status_buffered_total",
			Help: "Delivery receipts deferred while awaiting the send to settle",
		}),

		CampaignBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasend_campaign_batches_total",
			Help: "Campaign batches enqueued",
		}),
		CampaignMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasend_campaign_messages_total",
			Help: "Campaign message outcomes by status",
		}, []string{"status"}),

		GuardPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasend_guard_paused",
			Help: "1 while the resource guard is pausing dispatch",
		}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasend_cpu_percent",
			Help: "Process CPU usage percent",
		}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasend_memory_bytes",
			Help: "Process resident memory bytes",
		}),
	}

	reg.MustRegister(
		m.SendAttempts, m.SendOutcomes, m.SendLatency, m.Retries,
		m.LimiterWaits, m.LimiterNAKs, m.WorkersActive,
		m.WebhookEvents, m.WebhookDeduped, m.WebhookBadSignature, m.WebhookDropped,
		m.StatusAdvances, m.StatusStale, m.StatusBuffered,
		m.CampaignBatches, m.CampaignMessages,
		m.GuardPaused, m.CPUPercent, m.MemoryBytes,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
