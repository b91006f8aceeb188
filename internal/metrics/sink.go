// Package metrics defines the pipeline's metrics sink. Instead of
// process-wide mutable counters, a single Sink is constructed in main and
// passed explicitly through every component constructor; it feeds both
// the Prometheus registry (scraped via /metrics) and the aggregate
// snapshot the status probe reports.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink records pipeline activity. All methods are safe for concurrent use.
type Sink struct {
	messagesSeen       atomic.Int64
	downloadsAttempted atomic.Int64
	downloadsSucceeded atomic.Int64
	retryEnqueued      atomic.Int64
	retryExhausted     atomic.Int64
	retrySucceeded     atomic.Int64

	mu      sync.RWMutex
	tenants map[string]*TenantStatus

	promMessagesSeen       prometheus.Counter
	promDownloadsAttempted prometheus.Counter
	promDownloadsSucceeded prometheus.Counter
	promRetry              *prometheus.CounterVec
	promPublished          *prometheus.CounterVec
	promShardKey           *prometheus.CounterVec
	promPushCost           *prometheus.HistogramVec
	promSaveCost           *prometheus.HistogramVec
	promTenantHealthy      *prometheus.GaugeVec
	promTenantLag          *prometheus.GaugeVec
	promPoolActive         *prometheus.GaugeVec
}

// TenantStatus is the per-tenant slice of the status probe payload.
type TenantStatus struct {
	Healthy bool `json:"healthy"`
	// LagSeconds is the age of the most recent message seen for this
	// tenant (now minus its wire timestamp).
	LagSeconds int64 `json:"lag_seconds"`
}

// Snapshot is the aggregate view served by the status probe.
type Snapshot struct {
	MessagesSeen       int64                   `json:"messages_seen"`
	DownloadsAttempted int64                   `json:"downloads_attempted"`
	DownloadsSucceeded int64                   `json:"downloads_succeeded"`
	RetryEnqueued      int64                   `json:"retry_enqueued"`
	RetryExhausted     int64                   `json:"retry_exhausted"`
	RetrySucceeded     int64                   `json:"retry_succeeded"`
	Tenants            map[string]TenantStatus `json:"tenants"`
}

// NewSink builds a sink and registers its collectors on reg.
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		tenants: make(map[string]*TenantStatus),
		promMessagesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wearchive_messages_seen_total",
			Help: "Decrypted archive records pulled across all tenants.",
		}),
		promDownloadsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wearchive_downloads_attempted_total",
			Help: "Envelopes submitted to the download pool.",
		}),
		promDownloadsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wearchive_downloads_succeeded_total",
			Help: "Attachment transfers that completed and uploaded.",
		}),
		promRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearchive_retry_total",
			Help: "Retry router outcomes.",
		}, []string{"outcome"}),
		promPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearchive_published_total",
			Help: "Outbound publishes by backend and tenant.",
		}, []string{"backend", "tenant"}),
		promShardKey: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearchive_shard_key_total",
			Help: "Sharding key derivation source (payload field vs random).",
		}, []string{"source"}),
		promPushCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wearchive_push_cost_seconds",
			Help:    "Time spent publishing one record.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		promSaveCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wearchive_db_save_cost_seconds",
			Help:    "Record store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		promTenantHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wearchive_tenant_healthy",
			Help: "1 when the tenant's last poll succeeded, 0 otherwise.",
		}, []string{"tenant"}),
		promTenantLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wearchive_tenant_lag_seconds",
			Help: "Age of the newest message seen per tenant.",
		}, []string{"tenant"}),
		promPoolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wearchive_pool_active_workers",
			Help: "Live worker count per pool.",
		}, []string{"pool"}),
	}
	reg.MustRegister(
		s.promMessagesSeen, s.promDownloadsAttempted, s.promDownloadsSucceeded,
		s.promRetry, s.promPublished, s.promShardKey,
		s.promPushCost, s.promSaveCost,
		s.promTenantHealthy, s.promTenantLag, s.promPoolActive,
	)
	return s
}

// NewNopSink returns a sink wired to a throwaway registry, for tests.
func NewNopSink() *Sink { return NewSink(prometheus.NewRegistry()) }

// IncMessagesSeen counts one pulled record.
func (s *Sink) IncMessagesSeen() {
	s.messagesSeen.Add(1)
	s.promMessagesSeen.Inc()
}

// IncDownloadsAttempted counts one pool submission.
func (s *Sink) IncDownloadsAttempted() {
	s.downloadsAttempted.Add(1)
	s.promDownloadsAttempted.Inc()
}

// IncDownloadsSucceeded counts one completed transfer.
func (s *Sink) IncDownloadsSucceeded() {
	s.downloadsSucceeded.Add(1)
	s.promDownloadsSucceeded.Inc()
}

// IncRetryEnqueued counts one delay-lane enqueue.
func (s *Sink) IncRetryEnqueued() {
	s.retryEnqueued.Add(1)
	s.promRetry.WithLabelValues("enqueued").Inc()
}

// IncRetryExhausted counts one envelope dropped at the try-count cap.
func (s *Sink) IncRetryExhausted() {
	s.retryExhausted.Add(1)
	s.promRetry.WithLabelValues("exhausted").Inc()
}

// IncRetrySucceeded counts one retried envelope that finally resolved.
func (s *Sink) IncRetrySucceeded() {
	s.retrySucceeded.Add(1)
	s.promRetry.WithLabelValues("succeeded").Inc()
}

// IncPublished counts one broker publish.
func (s *Sink) IncPublished(backend, tenant string) {
	s.promPublished.WithLabelValues(backend, tenant).Inc()
}

// IncShardKey counts a sharding key derivation.
func (s *Sink) IncShardKey(source string) {
	s.promShardKey.WithLabelValues(source).Inc()
}

// ObservePushCost records one publish latency.
func (s *Sink) ObservePushCost(backend string, d time.Duration) {
	s.promPushCost.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveSaveCost records one record-store operation latency.
func (s *Sink) ObserveSaveCost(op string, d time.Duration) {
	s.promSaveCost.WithLabelValues(op).Observe(d.Seconds())
}

// SetPoolActive publishes a pool's live worker count.
func (s *Sink) SetPoolActive(pool string, n int) {
	s.promPoolActive.WithLabelValues(pool).Set(float64(n))
}

// SetTenantHealth flips a tenant's poll health flag.
func (s *Sink) SetTenantHealth(tenant string, healthy bool) {
	s.mu.Lock()
	s.tenantLocked(tenant).Healthy = healthy
	s.mu.Unlock()
	v := 0.0
	if healthy {
		v = 1.0
	}
	s.promTenantHealthy.WithLabelValues(tenant).Set(v)
}

// SetTenantLag publishes the age of the newest message for a tenant.
func (s *Sink) SetTenantLag(tenant string, lag time.Duration) {
	secs := int64(lag.Seconds())
	s.mu.Lock()
	s.tenantLocked(tenant).LagSeconds = secs
	s.mu.Unlock()
	s.promTenantLag.WithLabelValues(tenant).Set(float64(secs))
}

func (s *Sink) tenantLocked(tenant string) *TenantStatus {
	st, ok := s.tenants[tenant]
	if !ok {
		st = &TenantStatus{}
		s.tenants[tenant] = st
	}
	return st
}

// Snapshot copies the aggregate counters for the status probe.
func (s *Sink) Snapshot() Snapshot {
	snap := Snapshot{
		MessagesSeen:       s.messagesSeen.Load(),
		DownloadsAttempted: s.downloadsAttempted.Load(),
		DownloadsSucceeded: s.downloadsSucceeded.Load(),
		RetryEnqueued:      s.retryEnqueued.Load(),
		RetryExhausted:     s.retryExhausted.Load(),
		RetrySucceeded:     s.retrySucceeded.Load(),
		Tenants:            make(map[string]TenantStatus),
	}
	s.mu.RLock()
	for id, st := range s.tenants {
		snap.Tenants[id] = *st
	}
	s.mu.RUnlock()
	return snap
}
