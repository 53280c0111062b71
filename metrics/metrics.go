// Package metrics exposes prometheus collectors for the registration watch tree.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "regwatch"

// Subscription kinds used as the "kind" label.
const (
	KindChild = "child"
	KindData  = "data"
)

// Metrics groups the watcher collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	published       *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	publishRetries  *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
	contexts        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_published_total",
			Help:      "Registration records handed to the publisher.",
		}, []string{"category", "rpc_type"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Leaf payloads that could not be decoded and were skipped.",
		}, []string{"category", "rpc_type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Record batches dropped after the publisher gave up.",
		}, []string{"category"}),
		publishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Publish attempts that failed and were retried.",
		}, []string{"category"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live store subscriptions held by the watch tree.",
		}, []string{"kind"}),
		contexts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_known",
			Help:      "Contexts discovered under each category and rpc type.",
		}, []string{"category", "rpc_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.decodeErrors, m.publishFailures, m.publishRetries, m.subscriptions, m.contexts)
	}
	return m
}

// RecordPublished counts n records published for a subtree.
func (m *Metrics) RecordPublished(category, rpcType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.WithLabelValues(category, rpcType).Add(float64(n))
}

// RecordDecodeError counts one skipped leaf.
func (m *Metrics) RecordDecodeError(category, rpcType string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(category, rpcType).Inc()
}

// RecordPublishFailure counts one dropped batch.
func (m *Metrics) RecordPublishFailure(category string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(category).Inc()
}

// RecordPublishRetry counts one failed attempt that will be retried.
func (m *Metrics) RecordPublishRetry(category string) {
	if m == nil {
		return
	}
	m.publishRetries.WithLabelValues(category).Inc()
}

// SubscriptionAdded tracks a new live subscription.
func (m *Metrics) SubscriptionAdded(kind string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind).Inc()
}

// SubscriptionsReleased tracks n stopped subscriptions.
func (m *Metrics) SubscriptionsReleased(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscriptions.WithLabelValues(kind).Sub(float64(n))
}

// SetContexts records the number of known contexts of a subtree.
func (m *Metrics) SetContexts(category, rpcType string, n int) {
	if m == nil {
		return
	}
	m.contexts.WithLabelValues(category, rpcType).Set(float64(n))
}
