package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionEvent("opened")
	m.SessionEvent("opened")
	m.Chunk(false)
	m.Chunk(true)
	m.Committed(100)
	m.Sweep(2)
	m.StorageOp("local", "put", 0.01, errors.New("boom"))
	m.QuotaRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadSessions.WithLabelValues("opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksReceived.WithLabelValues("duplicate")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesCommitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweptSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageErrors.WithLabelValues("local", "put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRejections))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionEvent("opened")
		m.Chunk(true)
		m.Committed(1)
		m.Sweep(1)
		m.StorageOp("s3", "get", 0, nil)
		m.QuotaRejected()
	})
}
