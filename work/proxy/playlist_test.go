package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"iptv-relay/work/database"
	"iptv-relay/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out := Render("http://relay.test/", []types.ChannelInfo{
		{ChannelID: "cctv1", DisplayName: "CCTV-1 \"Comprehensive\"", LogoURL: "http://logo/1.png", EPGID: "CCTV1.cn", GroupTitle: "CCTV"},
		{ChannelID: "local news"},
	})

	want := "#EXTM3U\n" +
		"#EXTINF:-1 tvg-id=\"CCTV1.cn\" tvg-name=\"CCTV-1 'Comprehensive'\" tvg-logo=\"http://logo/1.png\" group-title=\"CCTV\",CCTV-1 \"Comprehensive\"\n" +
		"http://relay.test/proxy/channel/cctv1\n" +
		"#EXTINF:-1 tvg-id=\"local news\" tvg-name=\"local news\",local news\n" +
		"http://relay.test/proxy/channel/local%20news\n"
	assert.Equal(t, want, out)
}

func TestPlaylistGenerateGroupAndInvalidate(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.UpsertSource(ctx, "cctv1", "http://a/1.m3u8", 1))
	require.NoError(t, db.UpsertSource(ctx, "tvb", "http://b/2.m3u8", 1))
	require.NoError(t, db.UpsertChannelInfo(ctx, types.ChannelInfo{ChannelID: "cctv1", DisplayName: "CCTV-1", GroupTitle: "CCTV"}))

	p := NewPlaylist(db, "", time.Minute)

	get := func(group string) string {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "http://relay.local:8080/playlist.m3u", nil)
		p.Generate(rec, req, group)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-mpegURL", rec.Header().Get("Content-Type"))
		return rec.Body.String()
	}

	all := get("")
	assert.Contains(t, all, "http://relay.local:8080/proxy/channel/cctv1\n")
	assert.Contains(t, all, "http://relay.local:8080/proxy/channel/tvb\n")

	group := get("cctv")
	assert.Contains(t, group, "group-title=\"CCTV\",CCTV-1\n")
	assert.NotContains(t, group, "tvb")

	// cached until invalidated
	require.NoError(t, db.UpsertSource(ctx, "hbo", "http://c/3.m3u8", 1))
	assert.NotContains(t, get(""), "hbo")
	p.Invalidate()
	assert.Contains(t, get(""), "/proxy/channel/hbo\n")
}
