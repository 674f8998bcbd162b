package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"iptv-relay/work/cache"
	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
	"iptv-relay/work/proxy"
	"iptv-relay/work/registry"
	"iptv-relay/work/tokens"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"
	"iptv-relay/work/verify"

	"github.com/gorilla/mux"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 1 << 20

// adminStartTime is used for the uptime in stats.
var adminStartTime = time.Now()

// admin holds what the admin API operates on.
type admin struct {
	cfg      *config.Config
	db       *database.DB
	registry *registry.Registry
	tokens   *tokens.Provider
	verifier *verify.Verifier
	proxy    *proxy.StreamProxy
	playlist *proxy.Playlist
	cache    *cache.Store // nil when caching is disabled
}

// StatsResponse is served by GET /admin/stats.
type StatsResponse struct {
	types.Stats
	ActiveStreams map[string]int64 `json:"active_streams"`
	CacheEnabled  bool             `json:"cache_enabled"`
	CacheSize     string           `json:"cache_size"`
	WorkerThreads int              `json:"worker_threads"`
	MemoryUsage   string           `json:"memory_usage"`
	Uptime        string           `json:"uptime"`
}

// setupAdminRoutes mounts the admin API under /admin. Every route requires
// the X-Auth-Key header; reads are gzip compressed.
func setupAdminRoutes(router *mux.Router, a *admin) {
	sub := router.PathPrefix("/admin").Subrouter()
	sub.Use(middleware.AdminAuth(a.cfg.AdminKey, a.cfg.AdminKeyHash))

	sub.HandleFunc("/sources", a.handleUpsertSource).Methods(http.MethodPost)
	sub.HandleFunc("/channels", a.handleUpsertChannel).Methods(http.MethodPost)
	sub.HandleFunc("/tokens", a.handleAddToken).Methods(http.MethodPost)
	sub.HandleFunc("/verify", a.handleVerify).Methods(http.MethodPost)
	sub.HandleFunc("/reload", a.handleReload).Methods(http.MethodPost)
	sub.Handle("/channels/{channel}", middleware.Gzip(http.HandlerFunc(a.handleGetChannel))).Methods(http.MethodGet)
	sub.Handle("/channels/{channel}/sources", middleware.Gzip(http.HandlerFunc(a.handleListSources))).Methods(http.MethodGet)
	sub.Handle("/channels/{channel}/logs", middleware.Gzip(http.HandlerFunc(a.handleAccessLogs))).Methods(http.MethodGet)
	sub.Handle("/stats", middleware.Gzip(http.HandlerFunc(a.handleStats))).Methods(http.MethodGet)

	logger.Debug("{main/admin_handlers - setupAdminRoutes} admin API mounted at /admin")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin_handlers - writeJSON} failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func channelVar(r *http.Request) string {
	return mux.Vars(r)["channel"]
}

// handleUpsertSource registers a source or reactivates an existing one.
func (a *admin) handleUpsertSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		URL       string `json:"url"`
		Priority  int    `json:"priority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.URL = strings.TrimSpace(req.URL)
	if err := registry.ValidChannelID(req.ChannelID); err != nil {
		writeError(w, http.StatusBadRequest, "channel_id: "+err.Error())
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	if err := a.registry.UpsertSource(r.Context(), req.ChannelID, req.URL, req.Priority); err != nil {
		logger.Error("{main/admin_handlers - handleUpsertSource} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store source")
		return
	}
	a.playlist.Invalidate()

	priority := req.Priority
	if priority <= 0 {
		priority = registry.DefaultPriority
	}
	logger.Info("{main/admin_handlers - handleUpsertSource} source for %s set: %s (priority %d)",
		req.ChannelID, utils.LogURL(a.cfg.ObfuscateUrls, req.URL), priority)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channel_id": req.ChannelID, "priority": priority})
}

// handleUpsertChannel stores display metadata used by the playlist.
func (a *admin) handleUpsertChannel(w http.ResponseWriter, r *http.Request) {
	var info types.ChannelInfo
	if !decodeBody(w, r, &info) {
		return
	}
	info.ChannelID = strings.TrimSpace(info.ChannelID)
	if err := registry.ValidChannelID(info.ChannelID); err != nil {
		writeError(w, http.StatusBadRequest, "channel_id: "+err.Error())
		return
	}
	if err := a.db.UpsertChannelInfo(r.Context(), info); err != nil {
		logger.Error("{main/admin_handlers - handleUpsertChannel} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store channel")
		return
	}
	a.playlist.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "channel_id": info.ChannelID})
}

// handleGetChannel returns the stored metadata of a channel.
func (a *admin) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channel := channelVar(r)
	info, err := a.db.GetChannelInfo(r.Context(), channel)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		logger.Error("{main/admin_handlers - handleGetChannel} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load channel")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleAddToken stores an access token for credentialed origins.
func (a *admin) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string     `json:"token"`
		Expiry *time.Time `json:"expiry,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var expiry time.Time
	if req.Expiry != nil {
		expiry = *req.Expiry
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	stored, err := a.tokens.Add(r.Context(), req.Token, expiry)
	if err != nil {
		logger.Error("{main/admin_handlers - handleAddToken} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	logger.Info("{main/admin_handlers - handleAddToken} token stored, expires %s", stored.Format(time.RFC3339))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "expiry": stored})
}

// handleVerify starts a verification pass in the background.
func (a *admin) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !a.verifier.Trigger() {
		writeError(w, http.StatusConflict, verify.ErrRunning.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleReload re-reads the config file. Only the log level and the
// playlist cache take effect without a restart.
func (a *admin) handleReload(w http.ResponseWriter, r *http.Request) {
	config.ClearConfigCache()
	fresh := config.LoadConfig()
	level := logLevel(fresh)
	logger.SetLogLevel(level)
	a.playlist.Invalidate()

	logger.Info("{main/admin_handlers - handleReload} configuration reloaded, log level %s", level)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded", "log_level": level})
}

// handleListSources lists a channel's sources in ranking order with health.
func (a *admin) handleListSources(w http.ResponseWriter, r *http.Request) {
	channel := channelVar(r)
	sources, err := a.registry.Sources(r.Context(), channel)
	if err != nil {
		logger.Error("{main/admin_handlers - handleListSources} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if len(sources) == 0 {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}

	for i := range sources {
		sources[i].URL = utils.LogURL(a.cfg.ObfuscateUrls, sources[i].URL)
	}
	writeJSON(w, http.StatusOK, sources)
}

// handleAccessLogs returns the newest access log rows of a channel.
func (a *admin) handleAccessLogs(w http.ResponseWriter, r *http.Request) {
	channel := channelVar(r)
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	logs, err := a.db.RecentAccessLogs(r.Context(), channel, limit)
	if err != nil {
		logger.Error("{main/admin_handlers - handleAccessLogs} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load access logs")
		return
	}
	if logs == nil {
		logs = []types.AccessLogEntry{}
	}
	for i := range logs {
		logs[i].SourceURL = utils.LogURL(a.cfg.ObfuscateUrls, logs[i].SourceURL)
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleStats summarizes the registry, cache and live streams.
func (a *admin) handleStats(w http.ResponseWriter, r *http.Request) {
	channels, sources, active, validTokens, logRows, err := a.db.Counts(r.Context())
	if err != nil {
		logger.Error("{main/admin_handlers - handleStats} %v", err)
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}

	resp := StatsResponse{
		Stats: types.Stats{
			Channels:      channels,
			Sources:       sources,
			ActiveSources: active,
			Tokens:        validTokens,
			AccessLogRows: logRows,
		},
		ActiveStreams: a.proxy.ActiveStreams(),
		CacheEnabled:  a.cache != nil,
		WorkerThreads: a.cfg.WorkerThreads,
		Uptime:        formatDuration(time.Since(adminStartTime)),
	}
	if a.cache != nil {
		resp.CacheFiles, resp.CacheBytes = a.cache.Usage()
	}
	resp.CacheSize = utils.FormatBytes(resp.CacheBytes)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	resp.MemoryUsage = utils.FormatBytes(int64(m.Alloc))

	writeJSON(w, http.StatusOK, resp)
}

// formatDuration renders an uptime like "3d 4h" or "12m".
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
