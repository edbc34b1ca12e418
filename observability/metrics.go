package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	autosenderMetricsOnce sync.Once
	autosenderRegistry    *AutosenderMetrics
)

// AutosenderMetrics wraps collectors tracking the disbursement engine.
type AutosenderMetrics struct {
	transfers        *prometheus.CounterVec
	skips            *prometheus.CounterVec
	retries          *prometheus.CounterVec
	senderErrors     prometheus.Counter
	campaigns        *prometheus.CounterVec
	campaignDuration prometheus.Histogram
	transferLatency  *prometheus.HistogramVec
	ledgerEntries    prometheus.Gauge
}

// Autosender exposes the lazily-initialised metrics registry for the engine.
func Autosender() *AutosenderMetrics {
	autosenderMetricsOnce.Do(func() {
		autosenderRegistry = &AutosenderMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "transfers_total",
				Help:      "Count of transfer attempts segmented by asset kind and outcome.",
			}, []string{"kind", "outcome"}),
			skips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "skips_total",
				Help:      "Count of recipients skipped without a transfer, segmented by reason.",
			}, []string{"reason"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "retries_total",
				Help:      "Count of failed attempts observed by the retry executor.",
			}, []string{"operation"}),
			senderErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "sender_errors_total",
				Help:      "Count of senders skipped because their credential could not be opened.",
			}),
			campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "campaigns_total",
				Help:      "Count of campaign passes segmented by outcome.",
			}, []string{"outcome"}),
			campaignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "campaign_duration_seconds",
				Help:      "Wall time of a full campaign pass including pacing delays.",
				Buckets:   prometheus.ExponentialBuckets(60, 2, 12),
			}),
			transferLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "autosender",
				Subsystem: "engine",
				Name:      "transfer_latency_seconds",
				Help:      "Latency from submission start to confirmation for completed transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			ledgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "autosender",
				Subsystem: "ledger",
				Name:      "entries",
				Help:      "Number of (sender, asset, recipient) triples recorded as sent.",
			}),
		}
		prometheus.MustRegister(
			autosenderRegistry.transfers,
			autosenderRegistry.skips,
			autosenderRegistry.retries,
			autosenderRegistry.senderErrors,
			autosenderRegistry.campaigns,
			autosenderRegistry.campaignDuration,
			autosenderRegistry.transferLatency,
			autosenderRegistry.ledgerEntries,
		)
	})
	return autosenderRegistry
}

// RecordTransfer counts a finished transfer attempt. Outcomes should be stable
// strings such as "sent" or "failed".
func (m *AutosenderMetrics) RecordTransfer(kind, outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(label(kind), label(outcome)).Inc()
}

// RecordSkip counts a recipient skipped without a network transfer.
func (m *AutosenderMetrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(label(reason)).Inc()
}

// RecordRetry counts one failed attempt of the named operation.
func (m *AutosenderMetrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(operation)).Inc()
}

// RecordSenderError counts a sender skipped for a credential failure.
func (m *AutosenderMetrics) RecordSenderError() {
	if m == nil {
		return
	}
	m.senderErrors.Inc()
}

// ObserveCampaign records a finished campaign pass.
func (m *AutosenderMetrics) ObserveCampaign(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.campaigns.WithLabelValues(label(outcome)).Inc()
	m.campaignDuration.Observe(d.Seconds())
}

// ObserveTransferLatency records submission-to-confirmation latency.
func (m *AutosenderMetrics) ObserveTransferLatency(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.transferLatency.WithLabelValues(label(kind)).Observe(d.Seconds())
}

// SetLedgerEntries publishes the ledger size.
func (m *AutosenderMetrics) SetLedgerEntries(n int) {
	if m == nil {
		return
	}
	m.ledgerEntries.Set(float64(n))
}

func label(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
