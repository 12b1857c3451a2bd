// Package metrics holds the prometheus collectors of the engine. Every method is
// safe on a nil *Metrics so components can run without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "commerce"

type Metrics struct {
	checkouts      *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	auctionLatency prometheus.Histogram
	impressions    *prometheus.CounterVec
	adSpend        *prometheus.CounterVec
	payouts        *prometheus.CounterVec
	escrowReleases *prometheus.CounterVec
	clicks         *prometheus.CounterVec
	conversions    prometheus.Counter
	sweeps         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_transitions_total",
			Help:      "Transaction state transitions by target status and outcome.",
		}, []string{"status", "outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment gateway webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		auctionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ad_auction_duration_seconds",
			Help:      "Latency of ad selection.",
			Buckets:   []float64{.001, .0025, .005, .01, .02, .035, .05, .1},
		}),
		impressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ad_impressions_total",
			Help:      "Ad selections by outcome.",
		}, []string{"outcome"}),
		adSpend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ad_spend_cents_total",
			Help:      "Ad budget debited, in cents.",
		}, []string{"placement"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payout submissions by outcome.",
		}, []string{"outcome"}),
		escrowReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_releases_total",
			Help:      "Escrow releases by release type.",
		}, []string{"release_type"}),
		clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affiliate_clicks_total",
			Help:      "Affiliate clicks by outcome.",
		}, []string{"outcome"}),
		conversions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affiliate_conversions_total",
			Help:      "Attributed affiliate conversions.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Rows handled by scheduled sweeps.",
		}, []string{"job"}),
	}
	reg.MustRegister(
		m.checkouts, m.transitions, m.webhookEvents, m.auctionLatency, m.impressions,
		m.adSpend, m.payouts, m.escrowReleases, m.clicks, m.conversions, m.sweeps,
	)
	return m
}

func (m *Metrics) Checkout(outcome string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(status, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveAuction(d time.Duration) {
	if m == nil {
		return
	}
	m.auctionLatency.Observe(d.Seconds())
}

func (m *Metrics) Impression(outcome string) {
	if m == nil {
		return
	}
	m.impressions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AdSpend(placement string, cents int64) {
	if m == nil {
		return
	}
	m.adSpend.WithLabelValues(placement).Add(float64(cents))
}

func (m *Metrics) Payout(outcome string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EscrowRelease(releaseType string) {
	if m == nil {
		return
	}
	m.escrowReleases.WithLabelValues(releaseType).Inc()
}

func (m *Metrics) Click(outcome string) {
	if m == nil {
		return
	}
	m.clicks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Conversion() {
	if m == nil {
		return
	}
	m.conversions.Inc()
}

func (m *Metrics) Swept(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.WithLabelValues(job).Add(float64(n))
}
