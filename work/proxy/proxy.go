package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"iptv-relay/work/buffer"
	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/dispatch"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/registry"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrClientGone means the client stopped reading. It ends a stream without
// touching source health.
var ErrClientGone = errors.New("client disconnected")

// SourceSelector picks sources and receives fetch outcomes.
type SourceSelector interface {
	BestSourceExcluding(ctx context.Context, channel string, tried map[string]bool) (types.ChannelSource, error)
	RecordOutcome(ctx context.Context, channel, url string, success bool, elapsed time.Duration) error
}

// Fetcher performs upstream GETs with retries.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header, opts client.Options) (*http.Response, error)
}

// Preparer turns a source URL into the URL and headers actually fetched.
type Preparer interface {
	Prepare(ctx context.Context, rawURL string) (string, http.Header)
}

// AccessLogger persists one row per proxied request.
type AccessLogger interface {
	InsertAccessLog(ctx context.Context, e types.AccessLogEntry) error
}

// StreamProxy serves channel and segment requests: it selects a source,
// fetches it, rewrites manifests so child requests come back through the
// relay, and tees media bodies into the disk cache while streaming them.
type StreamProxy struct {
	Config     *config.Config     // application configuration
	Registry   SourceSelector     // source ranking and health
	HttpClient Fetcher            // upstream fetches
	Origins    Preparer           // per-origin headers and credentials
	Cache      *cache.Store       // nil when caching is disabled
	BufferPool *buffer.BufferPool // 8 KiB chunk buffers
	AccessLog  AccessLogger       // nil disables the access log

	active         *xsync.MapOf[string, int64] // in-flight client streams per channel
	newCacheWriter func(channel, segment string) (cacheWriter, error)
}

// New wires a StreamProxy. store and accessLog may be nil.
func New(cfg *config.Config, reg SourceSelector, httpClient Fetcher, origins Preparer, store *cache.Store, bufferPool *buffer.BufferPool, accessLog AccessLogger) *StreamProxy {
	if bufferPool == nil {
		bufferPool = buffer.NewBufferPool(buffer.ChunkSize)
	}
	if !cfg.CacheEnabled {
		store = nil
	}
	if !cfg.AccessLogEnabled {
		accessLog = nil
	}
	return &StreamProxy{
		Config:     cfg,
		Registry:   reg,
		HttpClient: httpClient,
		Origins:    origins,
		Cache:      store,
		BufferPool: bufferPool,
		AccessLog:  accessLog,
		active:     xsync.NewMapOf[string, int64](),
	}
}

// ServeChannel resolves channel to its best source and proxies it. When a
// source cannot be fetched it is marked failed and the next best untried
// source is used, up to FailoverAttempts sources. A channel with no sources
// answers 404; running out of candidates answers 503.
func (sp *StreamProxy) ServeChannel(w http.ResponseWriter, r *http.Request, channel string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	ctx := r.Context()
	done := sp.track(channel)
	defer done()

	attempts := sp.Config.FailoverAttempts
	if attempts < 1 {
		attempts = 1
	}

	tried := make(map[string]bool, attempts)
	var lastErr error
	for i := 0; i < attempts; i++ {
		src, err := sp.Registry.BestSourceExcluding(ctx, channel, tried)
		if errors.Is(err, registry.ErrNotFound) {
			if i == 0 {
				logger.Debug("{proxy/proxy - ServeChannel} no source for channel %s", channel)
				metrics.StreamErrors.WithLabelValues(channel, "no_source").Inc()
				sp.logAccess(r, channel, "", "no_source", 0)
				http.Error(w, "Channel not found", http.StatusNotFound)
				return
			}
			break
		}
		if err != nil {
			logger.Error("{proxy/proxy - ServeChannel} source lookup for %s failed: %v", channel, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		tried[src.URL] = true
		if i > 0 {
			metrics.Failovers.WithLabelValues(channel).Inc()
			logger.Info("{proxy/proxy - ServeChannel} channel %s failing over to %s", channel, utils.LogURL(sp.Config.ObfuscateUrls, src.URL))
		}

		handled, err := sp.serveSource(w, r, channel, src.URL)
		if handled {
			return
		}
		lastErr = err
	}

	logger.Warn("{proxy/proxy - ServeChannel} all sources failed for %s: %v", channel, lastErr)
	metrics.StreamErrors.WithLabelValues(channel, "exhausted").Inc()
	sp.logAccess(r, channel, "", "source_error", 0)
	http.Error(w, "All sources failed", http.StatusServiceUnavailable)
}

// serveSource proxies one source of a channel. handled is false only when
// nothing was written and the caller may fail over.
func (sp *StreamProxy) serveSource(w http.ResponseWriter, r *http.Request, channel, srcURL string) (handled bool, err error) {
	req := request{
		channel: channel,
		source:  srcURL,
		kind:    dispatch.Classify(srcURL),
		health:  true,
	}

	if !req.manifest() && sp.serveCached(w, r, req) {
		return true, nil
	}

	resp, elapsed, err := sp.fetch(r.Context(), srcURL)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("{proxy/proxy - serveSource} client left %s before upstream answered", channel)
			return true, ErrClientGone
		}
		sp.recordOutcome(r.Context(), channel, srcURL, false, 0)
		metrics.StreamErrors.WithLabelValues(channel, "upstream_unavailable").Inc()
		return false, err
	}

	if req.manifest() {
		body, err := readManifest(resp)
		if err != nil {
			if r.Context().Err() != nil {
				return true, ErrClientGone
			}
			sp.recordOutcome(r.Context(), channel, srcURL, false, 0)
			metrics.StreamErrors.WithLabelValues(channel, "manifest_read").Inc()
			return false, err
		}
		sp.recordOutcome(r.Context(), channel, srcURL, true, elapsed)
		sp.serveManifest(w, r, req, resp, body)
		return true, nil
	}

	sp.recordOutcome(r.Context(), channel, srcURL, true, elapsed)
	sp.serveMedia(w, r, req, resp)
	return true, nil
}

// ServeSegment proxies a sub-resource referenced from a rewritten manifest.
// Nested manifests are rewritten again. Segment fetches never change source
// health.
func (sp *StreamProxy) ServeSegment(w http.ResponseWriter, r *http.Request, channel, rawURL string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if !absoluteHTTP(rawURL) {
		http.Error(w, "Missing or invalid url parameter", http.StatusBadRequest)
		return
	}

	done := sp.track(channel)
	defer done()

	req := request{
		channel: channel,
		source:  rawURL,
		segment: cache.SegmentID(rawURL),
		kind:    dispatch.Classify(rawURL),
	}

	if !req.manifest() && sp.serveCached(w, r, req) {
		return
	}

	resp, _, err := sp.fetch(r.Context(), rawURL)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		logger.Warn("{proxy/proxy - ServeSegment} segment fetch failed for %s: %v", channel, err)
		metrics.StreamErrors.WithLabelValues(channel, "segment_unavailable").Inc()
		sp.logAccess(r, channel, rawURL, "segment_error", 0)
		http.Error(w, "Upstream unavailable", http.StatusServiceUnavailable)
		return
	}

	if req.manifest() {
		body, err := readManifest(resp)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			metrics.StreamErrors.WithLabelValues(channel, "manifest_read").Inc()
			sp.logAccess(r, channel, rawURL, "segment_error", 0)
			http.Error(w, "Upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		sp.serveManifest(w, r, req, resp, body)
		return
	}

	sp.serveMedia(w, r, req, resp)
}

// fetch prepares credentials for rawURL and fetches it, returning the time
// to response headers of the attempt that answered. Failed attempts and
// retry pauses are not counted.
func (sp *StreamProxy) fetch(ctx context.Context, rawURL string) (*http.Response, time.Duration, error) {
	fetchURL, headers := sp.Origins.Prepare(ctx, rawURL)
	var elapsed time.Duration
	resp, err := sp.HttpClient.Fetch(ctx, fetchURL, headers, client.Options{
		Observe: func(a client.Attempt) {
			if a.Err == nil && a.Status == http.StatusOK {
				elapsed = a.Elapsed
			}
		},
	})
	return resp, elapsed, err
}

// recordOutcome updates health with a context that survives client cancellation.
func (sp *StreamProxy) recordOutcome(ctx context.Context, channel, srcURL string, success bool, elapsed time.Duration) {
	if err := sp.Registry.RecordOutcome(context.WithoutCancel(ctx), channel, srcURL, success, elapsed); err != nil {
		logger.Error("{proxy/proxy - recordOutcome} %v", err)
	}
}

// logAccess writes an access log row when the access log is enabled.
func (sp *StreamProxy) logAccess(r *http.Request, channel, srcURL, status string, sent int64) {
	if sp.AccessLog == nil {
		return
	}
	entry := types.AccessLogEntry{
		ID:         uuid.NewString(),
		ChannelID:  channel,
		SourceURL:  srcURL,
		AccessTime: time.Now(),
		ClientIP:   utils.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Status:     status,
		BytesSent:  sent,
	}
	if err := sp.AccessLog.InsertAccessLog(context.WithoutCancel(r.Context()), entry); err != nil {
		logger.Warn("{proxy/proxy - logAccess} %v", err)
	}
}

// track counts an in-flight client stream for channel and returns its release.
func (sp *StreamProxy) track(channel string) func() {
	sp.active.Compute(channel, func(n int64, _ bool) (int64, bool) { return n + 1, false })
	metrics.ActiveConnections.WithLabelValues(channel).Inc()
	return func() {
		sp.active.Compute(channel, func(n int64, _ bool) (int64, bool) { return n - 1, n <= 1 })
		metrics.ActiveConnections.WithLabelValues(channel).Dec()
	}
}

// ActiveStreams returns the number of in-flight client streams per channel.
func (sp *StreamProxy) ActiveStreams() map[string]int64 {
	out := make(map[string]int64, sp.active.Size())
	sp.active.Range(func(channel string, n int64) bool {
		out[channel] = n
		return true
	})
	return out
}
