package service

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordStatusTransitionSkipsNoOp(t *testing.T) {
	m := NewMetricsService()

	m.RecordStatusTransition("active", "active")
	m.RecordStatusTransition("active", "expired")

	assert.Equal(t, 1, testutil.CollectAndCount(m.statusTransitions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.statusTransitions.WithLabelValues("active", "expired")))
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService

	m.RecordStatusTransition("active", "expired")
	m.RecordWebhookEvent("apple", "ok")
	m.RecordExpirySweep(3)
	m.RecordJournalWrite(100)

	assert.NotNil(t, m.Handler())
}
