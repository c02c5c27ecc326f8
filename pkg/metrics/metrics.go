// Package metrics 定义存储核心的 Prometheus 指标。
//
// 所有方法都允许 nil 接收者，未启用指标时服务可以直接传 nil。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the storage core.
type Metrics struct {
	UploadSessions  *prometheus.CounterVec   // vault_upload_sessions_total{event}
	ChunksReceived  *prometheus.CounterVec   // vault_upload_chunks_total{result}
	BytesCommitted  prometheus.Counter       // vault_bytes_committed_total
	SweepRuns       prometheus.Counter       // vault_upload_sweep_runs_total
	SweptSessions   prometheus.Counter       // vault_upload_swept_sessions_total
	StorageErrors   *prometheus.CounterVec   // vault_storage_errors_total{provider,op}
	StorageDuration *prometheus.HistogramVec // vault_storage_operation_seconds{provider,op}
	QuotaRejections prometheus.Counter       // vault_quota_rejections_total
}

// New 在给定的 registry 上注册全部指标，registry 为空时使用默认 registry。
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		UploadSessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_upload_sessions_total",
			Help: "Upload session lifecycle events",
		}, []string{"event"}),
		ChunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_upload_chunks_total",
			Help: "Chunk submissions by result (new, duplicate)",
		}, []string{"result"}),
		BytesCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_bytes_committed_total",
			Help: "Bytes of finalized uploads",
		}),
		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_upload_sweep_runs_total",
			Help: "Expired session sweeps executed",
		}),
		SweptSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_upload_swept_sessions_total",
			Help: "Sessions expired by the sweeper",
		}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_storage_errors_total",
			Help: "Object store errors by provider and operation",
		}, []string{"provider", "op"}),
		StorageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_storage_operation_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_quota_rejections_total",
			Help: "Uploads rejected by quota admission",
		}),
	}
}

// SessionEvent 记录会话生命周期事件：opened、finalized、aborted、expired、failed。
func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.UploadSessions.WithLabelValues(event).Inc()
}

// Chunk 记录一次分片提交。
func (m *Metrics) Chunk(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.ChunksReceived.WithLabelValues("duplicate").Inc()
		return
	}
	m.ChunksReceived.WithLabelValues("new").Inc()
}

// Committed 记录完成上传的字节数。
func (m *Metrics) Committed(bytes int64) {
	if m == nil {
		return
	}
	m.BytesCommitted.Add(float64(bytes))
}

// Sweep 记录一次过期清扫及其处理的会话数。
func (m *Metrics) Sweep(expired int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweptSessions.Add(float64(expired))
}

// StorageOp 记录一次对象存储操作的耗时与结果。
func (m *Metrics) StorageOp(provider, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.StorageDuration.WithLabelValues(provider, op).Observe(seconds)
	if err != nil {
		m.StorageErrors.WithLabelValues(provider, op).Inc()
	}
}

// QuotaRejected 记录一次配额拒绝。
func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}
