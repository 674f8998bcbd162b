package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"

	"github.com/maypok86/otter/v2"
)

// ChannelLister lists channels with their display metadata.
type ChannelLister interface {
	PlaylistChannels(ctx context.Context, group string) ([]types.ChannelInfo, error)
}

// Playlist renders the M3U of every channel that has a source. Rendered
// playlists are kept for a short TTL and dropped whenever sources or channel
// metadata change.
type Playlist struct {
	publicBaseURL string
	lister        ChannelLister
	cache         *otter.Cache[string, string]
}

// NewPlaylist creates a playlist generator. A non-positive ttl disables caching.
func NewPlaylist(lister ChannelLister, publicBaseURL string, ttl time.Duration) *Playlist {
	p := &Playlist{
		publicBaseURL: publicBaseURL,
		lister:        lister,
	}
	if ttl > 0 {
		p.cache = otter.Must(&otter.Options[string, string]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
		})
	}
	return p
}

// Invalidate drops every rendered playlist.
func (p *Playlist) Invalidate() {
	if p.cache != nil {
		p.cache.InvalidateAll()
	}
}

// Generate writes the playlist, optionally limited to one group-title.
func (p *Playlist) Generate(w http.ResponseWriter, r *http.Request, group string) {
	base := utils.BaseURL(p.publicBaseURL, r)
	cacheKey := base + "|" + strings.ToLower(group)

	if p.cache != nil {
		if cached, ok := p.cache.GetIfPresent(cacheKey); ok {
			logger.Debug("{proxy/playlist - Generate} serving cached playlist (group: %q)", group)
			writePlaylist(w, cached)
			return
		}
	}

	channels, err := p.lister.PlaylistChannels(r.Context(), group)
	if err != nil {
		logger.Error("{proxy/playlist - Generate} %v", err)
		http.Error(w, "Failed to build playlist", http.StatusInternalServerError)
		return
	}

	result := Render(base, channels)
	if p.cache != nil {
		p.cache.Set(cacheKey, result)
	}

	writePlaylist(w, result)
	if group == "" {
		logger.Debug("{proxy/playlist - Generate} generated playlist with %d channels", len(channels))
	} else {
		logger.Debug("{proxy/playlist - Generate} generated playlist for group '%s' with %d channels", group, len(channels))
	}
}

// Render builds the M3U text for channels, each entry pointing at the
// channel endpoint under base.
func Render(base string, channels []types.ChannelInfo) string {
	var playlist strings.Builder
	playlist.Grow(len(channels)*250 + 8)
	playlist.WriteString("#EXTM3U\n")

	for _, ch := range channels {
		name := ch.DisplayName
		if name == "" {
			name = ch.ChannelID
		}
		tvgID := ch.EPGID
		if tvgID == "" {
			tvgID = ch.ChannelID
		}

		playlist.WriteString("#EXTINF:-1")
		writeAttr(&playlist, "tvg-id", tvgID)
		writeAttr(&playlist, "tvg-name", name)
		writeAttr(&playlist, "tvg-logo", ch.LogoURL)
		writeAttr(&playlist, "group-title", ch.GroupTitle)
		fmt.Fprintf(&playlist, ",%s\n", strings.TrimSpace(strings.ReplaceAll(name, "\n", " ")))
		playlist.WriteString(strings.TrimRight(base, "/") + "/proxy/channel/" + url.PathEscape(ch.ChannelID) + "\n")
	}
	return playlist.String()
}

func writeAttr(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	value = strings.NewReplacer(`"`, "'", "\n", " ", "\r", "").Replace(value)
	fmt.Fprintf(b, ` %s="%s"`, key, value)
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write([]byte(body))
}
