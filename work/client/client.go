package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/ratelimit"
)

// ErrUpstreamUnavailable is wrapped by every exhausted fetch.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// FetchError describes a fetch whose retries were all used up.
type FetchError struct {
	URL        string
	Attempts   int
	LastStatus int   // 0 when the last attempt never got a response
	Err        error // last transport error, if any
}

func (e *FetchError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("upstream unavailable after %d attempts: last status %d", e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("upstream unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamUnavailable}
	}
	return []error{ErrUpstreamUnavailable, e.Err}
}

// Options tune one Fetch. Zero fields take the client defaults.
type Options struct {
	MaxRetries int
	Timeout    time.Duration // per attempt: time to headers, then per body read
	Backoff    time.Duration // fixed pause between attempts, negative disables
	// Observe, when set, is called after every attempt.
	Observe func(Attempt)
}

// Attempt is one HTTP try.
type Attempt struct {
	URL     string
	Number  int
	Headers http.Header
	Timeout time.Duration
	Status  int
	Err     error
	Elapsed time.Duration
}

// HeaderPolicy supplies per-origin header bundles.
type HeaderPolicy interface {
	FamilyHeaders(rawURL string) http.Header
}

// HeaderSettingClient wraps http.Client with header layering, bounded retries
// and optional per-host pacing.
type HeaderSettingClient struct {
	Client *http.Client

	userAgent string
	policy    HeaderPolicy
	defaults  Options
	obfuscate bool

	perHost  int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewHeaderSettingClient builds the upstream client from configuration.
// policy may be nil.
func NewHeaderSettingClient(cfg *config.Config, policy HeaderPolicy) *HeaderSettingClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout:   0, // attempts are bounded individually, streams may run long
			Transport: otelhttp.NewTransport(transport),
		},
		userAgent: cfg.UserAgent,
		policy:    policy,
		defaults: Options{
			MaxRetries: cfg.FetchRetries,
			Timeout:    cfg.FetchTimeout,
			Backoff:    cfg.FetchBackoff,
		},
		obfuscate: cfg.ObfuscateUrls,
		perHost:   cfg.UpstreamRateLimit,
		limiters:  xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

func (c *HeaderSettingClient) withDefaults(opts Options) Options {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = c.defaults.MaxRetries
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	} else if opts.Backoff == 0 {
		opts.Backoff = c.defaults.Backoff
	}
	return opts
}

// Headers layers the request headers for rawURL: defaults first, then the
// origin family bundle, then caller headers. Each layer replaces same-named
// headers of the one before.
func (c *HeaderSettingClient) Headers(rawURL string, caller http.Header) http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	h.Set("Accept", "*/*")
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && u.Host != "" {
		h.Set("Referer", u.Scheme+"://"+u.Host+"/")
	}

	overlay := func(src http.Header) {
		for k, vs := range src {
			k = http.CanonicalHeaderKey(k)
			h.Del(k)
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	if c.policy != nil {
		overlay(c.policy.FamilyHeaders(rawURL))
	}
	overlay(caller)
	return h
}

// Fetch GETs rawURL, retrying until an attempt answers 200 or MaxRetries is
// reached. On success the caller owns resp.Body; each body read is bounded by
// the attempt timeout. Any other outcome returns a *FetchError, except when
// ctx is cancelled, which returns ctx.Err() right away.
func (c *HeaderSettingClient) Fetch(ctx context.Context, rawURL string, headers http.Header, opts Options) (*http.Response, error) {
	opts = c.withDefaults(opts)
	h := c.Headers(rawURL, headers)

	fe := &FetchError{URL: rawURL}
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		fe.Attempts = attempt

		resp, att := c.try(ctx, rawURL, h, opts.Timeout)
		att.Number = attempt
		if opts.Observe != nil {
			opts.Observe(att)
		}
		if resp != nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fe.LastStatus = att.Status
		fe.Err = att.Err
		logger.Debug("{client/client - Fetch} attempt %d/%d for %s failed: status=%d err=%v",
			attempt, opts.MaxRetries, utils.LogURL(c.obfuscate, rawURL), att.Status, att.Err)

		if attempt < opts.MaxRetries && opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.Backoff):
			}
		}
	}

	logger.Warn("{client/client - Fetch} giving up on %s: %v", utils.LogURL(c.obfuscate, rawURL), fe)
	return nil, fe
}

// try performs one attempt. A non-nil response always has status 200.
func (c *HeaderSettingClient) try(ctx context.Context, rawURL string, h http.Header, timeout time.Duration) (*http.Response, Attempt) {
	att := Attempt{URL: rawURL, Headers: h, Timeout: timeout}
	start := time.Now()

	c.pace(rawURL)

	attemptCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		timer.Stop()
		cancel()
		att.Err = err
		metrics.UpstreamAttempts.WithLabelValues("error").Inc()
		return nil, att
	}
	req.Header = h.Clone()

	resp, err := c.Client.Do(req)
	timer.Stop()
	att.Elapsed = time.Since(start)

	if err != nil {
		cancel()
		if timedOut.Load() {
			att.Err = fmt.Errorf("timeout after %s: %w", timeout, context.DeadlineExceeded)
			metrics.UpstreamAttempts.WithLabelValues("timeout").Inc()
		} else {
			att.Err = err
			metrics.UpstreamAttempts.WithLabelValues("error").Inc()
		}
		return nil, att
	}

	att.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		metrics.UpstreamAttempts.WithLabelValues("status").Inc()
		return nil, att
	}

	metrics.UpstreamAttempts.WithLabelValues("ok").Inc()
	metrics.UpstreamLatency.Observe(att.Elapsed.Seconds())
	resp.Body = &idleTimeoutBody{rc: resp.Body, timer: timer, timeout: timeout, cancel: cancel}
	return resp, att
}

// pace blocks on the per-host limiter when upstream pacing is enabled.
func (c *HeaderSettingClient) pace(rawURL string) {
	if c.perHost <= 0 {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	limiter, _ := c.limiters.LoadOrCompute(u.Host, func() ratelimit.Limiter {
		return ratelimit.New(c.perHost, ratelimit.WithoutSlack)
	})
	limiter.Take()
}

// idleTimeoutBody cancels the request when a single Read stalls longer than timeout.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel()
	return err
}
