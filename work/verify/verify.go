package verify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/dispatch"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/rewrite"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"

	"github.com/beevik/etree"
	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
)

// ErrRunning is returned by RunOnce while another pass is in progress.
var ErrRunning = errors.New("verification already running")

// ErrInvalidStream marks a source that answered but did not look like a stream.
var ErrInvalidStream = errors.New("invalid stream")

const (
	manifestLimit = 4 << 20
	probeSize     = 8 * 1024
)

// Registry is the part of the source registry the verifier needs.
type Registry interface {
	AllSources(ctx context.Context) ([]types.ChannelSource, error)
	RecordOutcome(ctx context.Context, channel, url string, success bool, elapsed time.Duration) error
}

// Fetcher performs upstream GETs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header, opts client.Options) (*http.Response, error)
}

// Preparer applies origin credentials to a URL.
type Preparer interface {
	Prepare(ctx context.Context, rawURL string) (string, http.Header)
}

// Summary counts the results of one pass.
type Summary struct {
	Checked  int           `json:"checked"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Verifier probes every registered source and records the result as a
// health outcome, so dead sources are demoted before a client hits them.
type Verifier struct {
	registry  Registry
	fetcher   Fetcher
	origins   Preparer
	pool      *ants.Pool
	interval  time.Duration
	obfuscate bool

	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a Verifier. Checks run on pool; a nil pool runs them inline.
func New(registry Registry, fetcher Fetcher, origins Preparer, pool *ants.Pool, interval time.Duration, obfuscate bool) *Verifier {
	return &Verifier{
		registry:  registry,
		fetcher:   fetcher,
		origins:   origins,
		pool:      pool,
		interval:  interval,
		obfuscate: obfuscate,
		stop:      make(chan struct{}),
	}
}

// Start runs a pass every interval until Stop.
func (v *Verifier) Start() {
	if v.interval <= 0 {
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()

		logger.Info("{verify/verify - Start} verification every %v", v.interval)
		for {
			select {
			case <-ticker.C:
				v.run(context.Background())
			case <-v.stop:
				return
			}
		}
	}()
}

// Stop ends the periodic loop and waits for background passes.
func (v *Verifier) Stop() {
	v.once.Do(func() { close(v.stop) })
	v.wg.Wait()
}

// Trigger starts a pass in the background. It returns false when a pass is
// already running.
func (v *Verifier) Trigger() bool {
	if !v.running.CompareAndSwap(false, true) {
		return false
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer v.running.Store(false)
		v.report(v.pass(context.Background()))
	}()
	return true
}

func (v *Verifier) run(ctx context.Context) {
	v.report(v.RunOnce(ctx))
}

func (v *Verifier) report(summary Summary, err error) {
	if err != nil {
		if !errors.Is(err, ErrRunning) {
			logger.Error("{verify/verify - report} %v", err)
		}
		return
	}
	logger.Info("{verify/verify - report} checked %d sources in %v: %d ok, %d failed",
		summary.Checked, summary.Duration.Round(time.Millisecond), summary.Passed, summary.Failed)
}

// RunOnce checks every source once and waits for all checks.
func (v *Verifier) RunOnce(ctx context.Context) (Summary, error) {
	if !v.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunning
	}
	defer v.running.Store(false)
	return v.pass(ctx)
}

// pass checks every source. The caller holds the running flag.
func (v *Verifier) pass(ctx context.Context) (Summary, error) {
	start := time.Now()
	sources, err := v.registry.AllSources(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list sources: %w", err)
	}

	var (
		wg     sync.WaitGroup
		passed atomic.Int64
		failed atomic.Int64
	)
	for _, src := range sources {
		task := func() {
			defer wg.Done()
			if v.verifySource(ctx, src) {
				passed.Add(1)
			} else {
				failed.Add(1)
			}
		}

		wg.Add(1)
		if v.pool == nil {
			task()
			continue
		}
		if err := v.pool.Submit(task); err != nil {
			logger.Debug("{verify/verify - pass} pool rejected task, running inline: %v", err)
			task()
		}
	}
	wg.Wait()

	return Summary{
		Checked:  len(sources),
		Passed:   int(passed.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}, nil
}

// verifySource checks one source and records the outcome.
func (v *Verifier) verifySource(ctx context.Context, src types.ChannelSource) bool {
	kind := dispatch.Classify(src.URL)
	elapsed, err := v.Check(ctx, src.URL)
	ok := err == nil

	result := "ok"
	if !ok {
		result = "failed"
		logger.Debug("{verify/verify - verifySource} %s source %s failed: %v",
			src.ChannelID, utils.LogURL(v.obfuscate, src.URL), err)
	}
	metrics.VerifyResults.WithLabelValues(kind.String(), result).Inc()

	if ctx.Err() != nil {
		return ok
	}
	if err := v.registry.RecordOutcome(ctx, src.ChannelID, src.URL, ok, elapsed); err != nil {
		logger.Error("{verify/verify - verifySource} %v", err)
	}
	return ok
}

// Check fetches rawURL and validates the response by stream kind:
//   - HLS must decode as a playlist, and a media playlist's first segment
//     must be fetchable
//   - DASH must be XML with an MPD root
//   - anything else must yield a non-empty first chunk
//
// It returns the time to response headers of the primary fetch.
func (v *Verifier) Check(ctx context.Context, rawURL string) (time.Duration, error) {
	fetchURL, headers := v.origins.Prepare(ctx, rawURL)
	start := time.Now()
	resp, err := v.fetcher.Fetch(ctx, fetchURL, headers, client.Options{MaxRetries: 1})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	switch dispatch.Classify(rawURL) {
	case dispatch.KindHLS:
		return elapsed, v.checkHLS(ctx, finalURL(resp, fetchURL), resp.Body)
	case dispatch.KindDASH:
		return elapsed, checkDASH(resp.Body)
	default:
		return elapsed, checkFirstChunk(resp.Body)
	}
}

func (v *Verifier) checkHLS(ctx context.Context, playlistURL string, body io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(body, manifestLimit))
	if err != nil {
		return fmt.Errorf("read playlist: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(string(data), "\ufeff")), "#EXTM3U") {
		return fmt.Errorf("%w: missing #EXTM3U", ErrInvalidStream)
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(data)), false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		if len(master.Variants) == 0 {
			return fmt.Errorf("%w: master playlist has no variants", ErrInvalidStream)
		}
		return nil

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		var first string
		for _, seg := range media.Segments {
			if seg != nil && seg.URI != "" {
				first = seg.URI
				break
			}
		}
		if first == "" {
			return fmt.Errorf("%w: media playlist has no segments", ErrInvalidStream)
		}

		segURL, err := rewrite.ResolveURL(playlistURL, first)
		if err != nil {
			return fmt.Errorf("resolve segment: %w", err)
		}
		fetchURL, headers := v.origins.Prepare(ctx, segURL)
		resp, err := v.fetcher.Fetch(ctx, fetchURL, headers, client.Options{MaxRetries: 1})
		if err != nil {
			return fmt.Errorf("first segment: %w", err)
		}
		defer resp.Body.Close()
		return checkFirstChunk(resp.Body)
	}
	return fmt.Errorf("%w: unknown playlist type", ErrInvalidStream)
}

func checkDASH(body io.Reader) error {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(io.LimitReader(body, manifestLimit)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "MPD" {
		return fmt.Errorf("%w: root element is not MPD", ErrInvalidStream)
	}
	return nil
}

func checkFirstChunk(body io.Reader) error {
	buf := make([]byte, probeSize)
	n, err := io.ReadAtLeast(body, buf, 1)
	if n > 0 {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: empty body", ErrInvalidStream)
	}
	return fmt.Errorf("read first chunk: %w", err)
}

func finalURL(resp *http.Response, fallback string) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return fallback
}
