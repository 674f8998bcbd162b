package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/middleware"
	"iptv-relay/work/origin"
	"iptv-relay/work/proxy"
	"iptv-relay/work/registry"
	"iptv-relay/work/tokens"
	"iptv-relay/work/types"
	"iptv-relay/work/verify"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "s3cret"

func newAdminRouter(t *testing.T) (*mux.Router, *admin) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		PublicBaseURL:    "http://relay.test",
		FetchRetries:     1,
		FetchTimeout:     time.Second,
		FailoverAttempts: 3,
		WorkerThreads:    2,
		AdminKey:         testAdminKey,
	}
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	reg := registry.New(db)
	provider := tokens.NewProvider(db, "", time.Minute)
	resolver := origin.NewResolver(nil, provider)
	httpClient := client.NewHeaderSettingClient(cfg, resolver)

	a := &admin{
		cfg:      cfg,
		db:       db,
		registry: reg,
		tokens:   provider,
		verifier: verify.New(reg, httpClient, resolver, pool, time.Hour, false),
		proxy:    proxy.New(cfg, reg, httpClient, resolver, nil, nil, db),
		playlist: proxy.NewPlaylist(db, cfg.PublicBaseURL, time.Minute),
	}
	router := mux.NewRouter()
	setupAdminRoutes(router, a)
	return router, a
}

func adminRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRequiresKey(t *testing.T) {
	router, _ := newAdminRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminUpsertAndListSources(t *testing.T) {
	router, _ := newAdminRouter(t)

	rec := adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"news","url":"ftp://x/a.ts"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = adminRequest(t, router, http.MethodPost, "/admin/sources", `{"url":"http://a/1.m3u8"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = adminRequest(t, router, http.MethodPost, "/admin/sources", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"sports/hd","url":"http://a/1.m3u8"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must not contain")

	rec = adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"news","url":"http://b/2.m3u8","priority":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"news","url":"http://a/1.m3u8"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","channel_id":"news","priority":100}`, rec.Body.String())

	rec = adminRequest(t, router, http.MethodGet, "/admin/channels/news/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sources []types.ChannelSource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources, 2)
	assert.Equal(t, "http://b/2.m3u8", sources[0].URL)
	assert.True(t, sources[0].Active)

	rec = adminRequest(t, router, http.MethodGet, "/admin/channels/missing/sources", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminChannelMetadataInvalidatesPlaylist(t *testing.T) {
	router, a := newAdminRouter(t)
	rec := adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"news","url":"http://a/1.m3u8"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	list := httptest.NewRecorder()
	a.playlist.Generate(list, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil), "")
	assert.NotContains(t, list.Body.String(), "News HD")

	rec = adminRequest(t, router, http.MethodPost, "/admin/channels", `{"channel_id":"news","display_name":"News HD","group_title":"Info"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	list = httptest.NewRecorder()
	a.playlist.Generate(list, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil), "")
	assert.Contains(t, list.Body.String(), `group-title="Info",News HD`)

	rec = adminRequest(t, router, http.MethodGet, "/admin/channels/news", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info types.ChannelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "News HD", info.DisplayName)

	rec = adminRequest(t, router, http.MethodGet, "/admin/channels/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = adminRequest(t, router, http.MethodPost, "/admin/channels", `{"display_name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = adminRequest(t, router, http.MethodPost, "/admin/channels", `{"channel_id":"a/b","display_name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAddToken(t *testing.T) {
	router, a := newAdminRouter(t)

	rec := adminRequest(t, router, http.MethodPost, "/admin/tokens", `{"token":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	expiry := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	rec = adminRequest(t, router, http.MethodPost, "/admin/tokens", `{"token":"abc","expiry":"`+expiry.Format(time.RFC3339)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Expiry time.Time `json:"expiry"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, expiry.Equal(resp.Expiry))

	tok, err := a.tokens.Current(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestAdminVerifyTrigger(t *testing.T) {
	router, _ := newAdminRouter(t)
	rec := adminRequest(t, router, http.MethodPost, "/admin/verify", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"started"}`, rec.Body.String())
}

func TestAdminAccessLogs(t *testing.T) {
	router, a := newAdminRouter(t)
	require.NoError(t, a.db.InsertAccessLog(t.Context(), types.AccessLogEntry{
		ID: "1", ChannelID: "news", SourceURL: "http://a/1.m3u8", AccessTime: time.Now(), Status: "success",
	}))

	rec := adminRequest(t, router, http.MethodGet, "/admin/channels/news/logs?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []types.AccessLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)

	rec = adminRequest(t, router, http.MethodGet, "/admin/channels/quiet/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = adminRequest(t, router, http.MethodGet, "/admin/channels/news/logs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminStats(t *testing.T) {
	router, _ := newAdminRouter(t)
	require.Equal(t, http.StatusOK, adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"a","url":"http://a/1.m3u8"}`).Code)
	require.Equal(t, http.StatusOK, adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"a","url":"http://a/2.m3u8"}`).Code)
	require.Equal(t, http.StatusOK, adminRequest(t, router, http.MethodPost, "/admin/sources", `{"channel_id":"b","url":"http://b/1.m3u8"}`).Code)

	rec := adminRequest(t, router, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Channels)
	assert.Equal(t, 3, stats.Sources)
	assert.Equal(t, 3, stats.ActiveSources)
	assert.False(t, stats.CacheEnabled)
	assert.Empty(t, stats.ActiveStreams)
	assert.NotEmpty(t, stats.Uptime)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute+3*time.Second))
	assert.Equal(t, "2h 30m", formatDuration(150*time.Minute))
	assert.Equal(t, "3d 4h", formatDuration(76*time.Hour))
}
