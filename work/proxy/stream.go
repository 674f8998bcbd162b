package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"iptv-relay/work/dispatch"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/rewrite"
	"iptv-relay/work/utils"
)

// maxManifestBytes bounds how much of a manifest is read into memory.
const maxManifestBytes = 16 << 20

// request describes what is being served.
type request struct {
	channel string
	source  string        // upstream URL before credentials are applied
	segment string        // cache segment id, empty for a channel stream
	kind    dispatch.Kind // classification of source
	health  bool          // whether outcomes feed source health
}

func (q request) manifest() bool {
	return q.kind == dispatch.KindHLS || q.kind == dispatch.KindDASH
}

// status labels an access log outcome, prefixed for segment requests.
func (q request) status(outcome string) string {
	if q.segment != "" {
		return "segment_" + outcome
	}
	return outcome
}

// absoluteHTTP reports whether raw is an absolute http(s) URL.
func absoluteHTTP(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// readManifest reads and closes a manifest body.
func readManifest(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if len(body) > maxManifestBytes {
		return nil, fmt.Errorf("manifest larger than %d bytes", maxManifestBytes)
	}
	return body, nil
}

// serveManifest rewrites body so every referenced URL points back at the
// segment endpoint and writes it uncached.
func (sp *StreamProxy) serveManifest(w http.ResponseWriter, r *http.Request, req request, resp *http.Response, body []byte) {
	rc, err := rewrite.NewContext(manifestBase(req.source, resp), utils.BaseURL(sp.Config.PublicBaseURL, r), req.channel)
	if err != nil {
		logger.Error("{proxy/stream - serveManifest} %v", err)
		http.Error(w, "Bad upstream url", http.StatusBadGateway)
		return
	}

	var (
		out []byte
		n   int
	)
	switch req.kind {
	case dispatch.KindDASH:
		res := rewrite.RewriteDASH(rc, body)
		out, n = res.Body, res.Rewritten
		if res.Fallback != nil {
			logger.Warn("{proxy/stream - serveManifest} DASH manifest for %s rewritten textually: %v", req.channel, res.Fallback)
			metrics.ManifestRewrites.WithLabelValues("dash", "fallback").Inc()
		} else {
			metrics.ManifestRewrites.WithLabelValues("dash", "structured").Inc()
		}
	default:
		out, n = rewrite.RewriteHLS(rc, body)
		metrics.ManifestRewrites.WithLabelValues("hls", "structured").Inc()
	}

	logger.Debug("{proxy/stream - serveManifest} %s manifest for %s: %d references rewritten", req.kind, req.channel, n)

	h := w.Header()
	h.Set("Content-Type", dispatch.ContentType(req.source, resp.Header.Get("Content-Type")))
	h.Set("Cache-Control", "no-cache")
	h.Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		sp.logAccess(r, req.channel, req.source, req.status("success"), 0)
		return
	}
	if _, err := w.Write(out); err != nil {
		sp.logAccess(r, req.channel, req.source, req.status("client_gone"), 0)
		return
	}
	metrics.BytesTransferred.WithLabelValues(req.channel, "upstream").Add(float64(len(out)))
	sp.logAccess(r, req.channel, req.source, req.status("success"), int64(len(out)))
}

// manifestBase is where the manifest actually came from after redirects,
// without the token parameter an origin strategy may have added.
func manifestBase(source string, resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return source
	}
	u := *resp.Request.URL
	if orig, err := url.Parse(source); err == nil && !orig.Query().Has("token") {
		if q := u.Query(); q.Has("token") {
			q.Del("token")
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// serveCached streams a valid cache entry. It returns false on a miss, in
// which case nothing has been written.
func (sp *StreamProxy) serveCached(w http.ResponseWriter, r *http.Request, req request) bool {
	if sp.Cache == nil {
		return false
	}
	f, size, err := sp.Cache.Open(req.channel, req.segment)
	if err != nil {
		return false
	}
	defer f.Close()

	logger.Debug("{proxy/stream - serveCached} cache hit for %s %s", req.channel, req.segment)

	h := w.Header()
	h.Set("Content-Type", dispatch.ContentType(req.source, ""))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("X-Cache", "HIT")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		sp.logAccess(r, req.channel, req.source, req.status("cache_hit"), 0)
		return true
	}

	sent, err := sp.copyChunks(r.Context(), w, f, req.channel, "cache", nil)
	if err != nil {
		logger.Debug("{proxy/stream - serveCached} cache delivery for %s stopped: %v", req.channel, err)
	}
	sp.logAccess(r, req.channel, req.source, req.status("cache_hit"), sent)
	return true
}

// serveMedia streams an upstream body to the client while teeing it into
// the cache. The entry only becomes visible when the upstream ends cleanly.
func (sp *StreamProxy) serveMedia(w http.ResponseWriter, r *http.Request, req request, resp *http.Response) {
	defer resp.Body.Close()

	h := w.Header()
	h.Set("Content-Type", dispatch.ContentType(req.source, resp.Header.Get("Content-Type")))
	h.Set("Cache-Control", "no-cache")
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		sp.logAccess(r, req.channel, req.source, req.status("success"), 0)
		return
	}

	tee := &cacheTee{channel: req.channel}
	if sp.Cache != nil {
		cw, err := sp.createCacheWriter(req.channel, req.segment)
		if err != nil {
			logger.Warn("{proxy/stream - serveMedia} cache disabled for this request: %v", err)
			metrics.CacheWrites.WithLabelValues("failed").Inc()
		} else {
			tee.w = cw
		}
	}

	sent, err := sp.copyChunks(r.Context(), w, resp.Body, req.channel, "upstream", tee)
	switch {
	case err == nil:
		tee.commit()
		sp.logAccess(r, req.channel, req.source, req.status("success"), sent)

	case errors.Is(err, ErrClientGone):
		tee.abort()
		logger.Debug("{proxy/stream - serveMedia} client left %s after %s", req.channel, utils.FormatBytes(sent))
		metrics.StreamErrors.WithLabelValues(req.channel, "client_gone").Inc()
		sp.logAccess(r, req.channel, req.source, req.status("client_gone"), sent)

	default:
		tee.abort()
		logger.Warn("{proxy/stream - serveMedia} upstream for %s failed after %s: %v",
			req.channel, utils.FormatBytes(sent), err)
		metrics.StreamErrors.WithLabelValues(req.channel, "upstream_read").Inc()
		if req.health {
			sp.recordOutcome(r.Context(), req.channel, req.source, false, 0)
		}
		sp.logAccess(r, req.channel, req.source, req.status("upstream_error"), sent)
	}
}

// copyChunks copies src to w in pooled chunks, flushing after each one and
// handing it to tee. A failed client write returns ErrClientGone, as does a
// read error caused by the request context ending.
func (sp *StreamProxy) copyChunks(ctx context.Context, w http.ResponseWriter, src io.Reader, channel, origin string, tee *cacheTee) (int64, error) {
	buf := sp.BufferPool.Get()
	defer sp.BufferPool.Put(buf)
	chunk := buf.B

	flusher, _ := w.(http.Flusher)
	transferred := metrics.BytesTransferred.WithLabelValues(channel, origin)

	var sent int64
	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return sent, ErrClientGone
			}
			sent += int64(n)
			transferred.Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
			tee.write(chunk[:n])
		}
		if rerr == io.EOF {
			return sent, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return sent, ErrClientGone
			}
			return sent, fmt.Errorf("upstream read: %w", rerr)
		}
	}
}

// cacheTee owns the cache writer of one request. After a write error the
// writer is dropped and delivery to the client carries on.
type cacheTee struct {
	channel string
	w       cacheWriter
}

// cacheWriter is the write side of one cache entry.
type cacheWriter interface {
	io.Writer
	Commit() error
	Abort()
	Written() int64
}

func (sp *StreamProxy) createCacheWriter(channel, segment string) (cacheWriter, error) {
	if sp.newCacheWriter != nil {
		return sp.newCacheWriter(channel, segment)
	}
	cw, err := sp.Cache.Create(channel, segment)
	if err != nil {
		return nil, err
	}
	return cw, nil
}

func (t *cacheTee) write(p []byte) {
	if t == nil || t.w == nil {
		return
	}
	if _, err := t.w.Write(p); err != nil {
		logger.Warn("{proxy/stream - cacheTee} cache write for %s failed, continuing uncached: %v", t.channel, err)
		metrics.CacheWrites.WithLabelValues("failed").Inc()
		t.w.Abort()
		t.w = nil
	}
}

func (t *cacheTee) commit() {
	if t == nil || t.w == nil {
		return
	}
	if err := t.w.Commit(); err != nil {
		logger.Warn("{proxy/stream - cacheTee} cache commit for %s failed: %v", t.channel, err)
		metrics.CacheWrites.WithLabelValues("failed").Inc()
	} else {
		logger.Debug("{proxy/stream - cacheTee} cached %s for %s", utils.FormatBytes(t.w.Written()), t.channel)
	}
	t.w = nil
}

func (t *cacheTee) abort() {
	if t == nil || t.w == nil {
		return
	}
	t.w.Abort()
	t.w = nil
}
