package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveConnections is the number of in-flight client streams per channel.
var ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_relay_active_connections",
	Help: "Number of active client streams",
}, []string{"channel"})

// BytesTransferred counts bytes sent to clients. "source" is upstream or cache.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_bytes_transferred_total",
	Help: "Total bytes sent to clients",
}, []string{"channel", "source"})

// StreamErrors counts per-request failures by kind (upstream_read, client_gone, no_source, ...).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_stream_errors_total",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// CacheLookups counts cache checks by result (hit, miss).
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_cache_lookups_total",
	Help: "Cache lookups by result",
}, []string{"result"})

// CacheWrites counts cache writer outcomes (committed, aborted, failed).
var CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_cache_writes_total",
	Help: "Cache writer outcomes",
}, []string{"outcome"})

// CacheEvictions counts entries removed by the sweeper.
var CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_relay_cache_evictions_total",
	Help: "Cache entries removed by the sweeper",
})

// UpstreamAttempts counts individual fetch attempts by result (ok, status, error, timeout).
var UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_upstream_attempts_total",
	Help: "Upstream fetch attempts by result",
}, []string{"result"})

// UpstreamLatency observes time to response headers of successful attempts.
var UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "iptv_relay_upstream_latency_seconds",
	Help:    "Time to upstream response headers",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
})

// ManifestRewrites counts rewritten manifests by format and path (structured, fallback).
var ManifestRewrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_manifest_rewrites_total",
	Help: "Rewritten manifests",
}, []string{"format", "path"})

// SourceOutcomes counts health updates recorded against sources.
var SourceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_source_outcomes_total",
	Help: "Source health outcomes",
}, []string{"outcome"})

// Failovers counts requests that moved past their first source.
var Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_failovers_total",
	Help: "Channel requests that failed over to another source",
}, []string{"channel"})

// VerifyResults counts verification checks by stream kind and result.
var VerifyResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_verify_results_total",
	Help: "Verification checks",
}, []string{"kind", "result"})
