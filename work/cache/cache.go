package cache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/utils"

	"github.com/cespare/xxhash/v2"
)

const (
	streamExt  = ".stream"
	segmentExt = ".ts"
	partialExt = ".partial"
)

// ErrMiss is returned by Open when there is no valid entry.
var ErrMiss = errors.New("cache miss")

// Store is a directory of cached media. Continuous streams live in
// {channel}.stream and discrete segments in {channel}_{segment}.ts, where
// segment is a SegmentID. An entry
// is valid while it is younger than ttl and at least minBytes long.
type Store struct {
	dir      string
	ttl      time.Duration
	minBytes int64
	now      func() time.Time
}

// New creates the cache directory if needed.
func New(dir string, ttl time.Duration, minBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Store{dir: dir, ttl: ttl, minBytes: minBytes, now: time.Now}, nil
}

// Dir is the cache directory.
func (s *Store) Dir() string { return s.dir }

// SegmentID derives the segment key of an upstream URL from the final path
// component. A short hash of the directory keeps same-named segments of
// different renditions apart.
func SegmentID(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	dir, base := path.Split(p)
	if base == "" {
		base = "index"
	}
	return strconv.FormatUint(xxhash.Sum64String(dir)&0xffffffff, 36) + "-" + base
}

// Path returns the entry path for a channel stream (segment == "") or a segment.
func (s *Store) Path(channel, segment string) string {
	ch := utils.SanitizeKey(channel)
	if segment == "" {
		return filepath.Join(s.dir, ch+streamExt)
	}
	return filepath.Join(s.dir, ch+"_"+utils.SanitizeKey(segment)+segmentExt)
}

// valid applies the age and size rules.
func (s *Store) valid(fi os.FileInfo) bool {
	if !fi.Mode().IsRegular() {
		return false
	}
	if s.now().Sub(fi.ModTime()) > s.ttl {
		return false
	}
	return fi.Size() >= s.minBytes
}

// Open returns a reader over a valid entry and its size, or ErrMiss.
func (s *Store) Open(channel, segment string) (*os.File, int64, error) {
	p := s.Path(channel, segment)
	f, err := os.Open(p)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, 0, ErrMiss
	}
	fi, err := f.Stat()
	if err != nil || !s.valid(fi) {
		f.Close()
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, 0, ErrMiss
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return f, fi.Size(), nil
}

// Create starts a new entry. Bytes go to a uniquely named partial file that
// only replaces the entry on Commit, so readers never see a half-written
// file and concurrent writers of one key end as last-commit-wins.
func (s *Store) Create(channel, segment string) (*Writer, error) {
	final := s.Path(channel, segment)
	f, err := os.CreateTemp(s.dir, filepath.Base(final)+".*"+partialExt)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache file: %w", err)
	}
	return &Writer{f: f, final: final}, nil
}

// Writer is an in-progress cache entry.
type Writer struct {
	f     *os.File
	final string
	n     int64
	done  bool
}

// Write appends to the partial file.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// Written is the number of bytes written so far.
func (w *Writer) Written() int64 { return w.n }

// Commit syncs the partial file and renames it over the entry.
func (w *Writer) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true

	name := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(name)
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(name, w.final); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to commit cache file: %w", err)
	}
	metrics.CacheWrites.WithLabelValues("committed").Inc()
	return nil
}

// Abort discards the partial file. Safe to call after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	name := w.f.Name()
	w.f.Close()
	os.Remove(name)
	metrics.CacheWrites.WithLabelValues("aborted").Inc()
}

// Sweep removes entries older than the TTL, including stale partial files,
// and returns how many were removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isCacheFile(name) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= s.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("{cache/cache - Sweep} failed to remove %s: %v", name, err)
			continue
		}
		removed++
	}
	metrics.CacheEvictions.Add(float64(removed))
	return removed, nil
}

// Usage returns the number of committed entries and their total size.
func (s *Store) Usage() (files int, bytes int64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, partialExt) || !isCacheFile(name) {
			continue
		}
		if fi, err := entry.Info(); err == nil {
			files++
			bytes += fi.Size()
		}
	}
	return files, bytes
}

func isCacheFile(name string) bool {
	return strings.HasSuffix(name, streamExt) || strings.HasSuffix(name, segmentExt) || strings.HasSuffix(name, partialExt)
}

// Sweeper runs Store.Sweep on an interval until stopped.
type Sweeper struct {
	store    *Store
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a stopped sweeper.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval, stop: make(chan struct{})}
}

// Start launches the sweep loop in the background.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		logger.Info("{cache/cache - Sweeper} started, interval %v", sw.interval)
		for {
			select {
			case <-ticker.C:
				n, err := sw.store.Sweep()
				if err != nil {
					logger.Error("{cache/cache - Sweeper} sweep failed: %v", err)
					continue
				}
				if n > 0 {
					logger.Info("{cache/cache - Sweeper} removed %d expired entries", n)
				}
			case <-sw.stop:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	sw.once.Do(func() { close(sw.stop) })
	sw.wg.Wait()
}
