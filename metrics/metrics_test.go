package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordPublished("uri", "http", 3)
	m.RecordPublished("uri", "http", 0)
	m.RecordDecodeError("metadata", "dubbo")
	m.RecordPublishFailure("uri")
	m.RecordPublishRetry("uri")
	m.RecordPublishRetry("uri")
	m.SubscriptionAdded(KindChild)
	m.SubscriptionAdded(KindChild)
	m.SubscriptionAdded(KindData)
	m.SubscriptionsReleased(KindChild, 2)
	m.SetContexts("metadata", "http", 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.published.WithLabelValues("uri", "http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("metadata", "dubbo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFailures.WithLabelValues("uri")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishRetries.WithLabelValues("uri")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subscriptions.WithLabelValues(KindChild)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions.WithLabelValues(KindData)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.contexts.WithLabelValues("metadata", "http")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublished("uri", "http", 1)
		m.RecordDecodeError("uri", "http")
		m.RecordPublishFailure("uri")
		m.RecordPublishRetry("uri")
		m.SubscriptionAdded(KindData)
		m.SubscriptionsReleased(KindData, 1)
		m.SetContexts("uri", "http", 1)
	})
}
