package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/types"
)

// DefaultPriority is used when a source is registered without one.
const DefaultPriority = 100

var (
	// ErrNotFound means the channel has no registered source.
	ErrNotFound = errors.New("no source for channel")
	// ErrBadChannelID rejects channel ids that cannot round-trip through a
	// single route segment.
	ErrBadChannelID = errors.New("channel id must not contain '/'")
)

// ValidChannelID checks a trimmed channel id.
func ValidChannelID(channel string) error {
	if channel == "" {
		return errors.New("channel id is required")
	}
	if strings.Contains(channel, "/") {
		return ErrBadChannelID
	}
	return nil
}

// Store is the persistence the registry needs. Each method is expected to be
// atomic per (channel, url) row.
type Store interface {
	ListSources(ctx context.Context, channel string) ([]types.ChannelSource, error)
	AllSources(ctx context.Context) ([]types.ChannelSource, error)
	Channels(ctx context.Context) ([]string, error)
	UpsertSource(ctx context.Context, channel, url string, priority int) error
	RecordSuccess(ctx context.Context, channel, url string, elapsed time.Duration, at time.Time) error
	RecordFailure(ctx context.Context, channel, url string, at time.Time) error
}

// Registry ranks the candidate sources of each channel and owns their health
// counters. Nothing else writes those fields.
type Registry struct {
	store Store
	now   func() time.Time
}

// New creates a Registry over store.
func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// BestSource returns the active source with the lowest (priority, average
// response time). When every source is inactive the lowest priority source is
// returned anyway so a failed origin still gets a chance to recover.
func (r *Registry) BestSource(ctx context.Context, channel string) (types.ChannelSource, error) {
	return r.BestSourceExcluding(ctx, channel, nil)
}

// BestSourceExcluding is BestSource ignoring the URLs in tried. It is used to
// fail over within a single request.
func (r *Registry) BestSourceExcluding(ctx context.Context, channel string, tried map[string]bool) (types.ChannelSource, error) {
	sources, err := r.store.ListSources(ctx, channel)
	if err != nil {
		return types.ChannelSource{}, fmt.Errorf("list sources for %s: %w", channel, err)
	}

	candidates := make([]types.ChannelSource, 0, len(sources))
	for _, src := range sources {
		if !tried[src.URL] {
			candidates = append(candidates, src)
		}
	}
	if len(candidates) == 0 {
		return types.ChannelSource{}, ErrNotFound
	}

	best, ok := pick(candidates)
	if !ok {
		logger.Debug("{registry/registry - BestSource} no active source for %s, using last resort", channel)
	}
	return best, nil
}

// pick applies the ranking. ok is false when no candidate was active.
func pick(candidates []types.ChannelSource) (types.ChannelSource, bool) {
	ranked := make([]types.ChannelSource, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return ranks(ranked[i], ranked[j]) })
	return ranked[0], ranked[0].Active
}

// ranks orders active before inactive, then priority, then average response
// time, then URL so the choice is deterministic.
func ranks(a, b types.ChannelSource) bool {
	if a.Active != b.Active {
		return a.Active
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.AvgResponseTime != b.AvgResponseTime {
		return a.AvgResponseTime < b.AvgResponseTime
	}
	return a.URL < b.URL
}

// RecordOutcome folds the result of one fetch into the source's health.
func (r *Registry) RecordOutcome(ctx context.Context, channel, url string, success bool, elapsed time.Duration) error {
	now := r.now()
	var err error
	if success {
		err = r.store.RecordSuccess(ctx, channel, url, elapsed, now)
	} else {
		err = r.store.RecordFailure(ctx, channel, url, now)
	}
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", channel, err)
	}
	if success {
		metrics.SourceOutcomes.WithLabelValues("success").Inc()
	} else {
		metrics.SourceOutcomes.WithLabelValues("failure").Inc()
	}
	return nil
}

// UpsertSource registers a source or refreshes an existing one. Re-registering
// resets it to active.
func (r *Registry) UpsertSource(ctx context.Context, channel, url string, priority int) error {
	channel = strings.TrimSpace(channel)
	url = strings.TrimSpace(url)
	if channel == "" || url == "" {
		return errors.New("channel and url are required")
	}
	if err := ValidChannelID(channel); err != nil {
		return err
	}
	if priority <= 0 {
		priority = DefaultPriority
	}
	return r.store.UpsertSource(ctx, channel, url, priority)
}

// Sources lists a channel's sources in ranking order.
func (r *Registry) Sources(ctx context.Context, channel string) ([]types.ChannelSource, error) {
	sources, err := r.store.ListSources(ctx, channel)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sources, func(i, j int) bool { return ranks(sources[i], sources[j]) })
	return sources, nil
}

// AllSources lists every source of every channel.
func (r *Registry) AllSources(ctx context.Context) ([]types.ChannelSource, error) {
	return r.store.AllSources(ctx)
}

// Channels lists channel ids with at least one source.
func (r *Registry) Channels(ctx context.Context) ([]string, error) {
	return r.store.Channels(ctx)
}
