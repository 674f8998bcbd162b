package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/proxy"

	"github.com/gorilla/mux"
)

// HandleChannel proxies /proxy/channel/{channel}.
func HandleChannel(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := mux.Vars(r)["channel"]
		logger.Debug("{handlers/handlers - HandleChannel} %s %s from %s", r.Method, channel, r.RemoteAddr)
		sp.ServeChannel(w, r, channel)
	}
}

// HandleSegment proxies /proxy/segment/{channel}?url=.
func HandleSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.ServeSegment(w, r, mux.Vars(r)["channel"], r.URL.Query().Get("url"))
	}
}

// HandlePlaylist serves /playlist.m3u, filtered by the optional group query.
func HandlePlaylist(p *proxy.Playlist) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Generate(w, r, r.URL.Query().Get("group"))
	}
}

// HandleGroupPlaylist serves /{group}/playlist.m3u.
func HandleGroupPlaylist(p *proxy.Playlist) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Generate(w, r, mux.Vars(r)["group"])
	}
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HandleHealth reports liveness, and 503 when the database does not answer.
func HandleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				logger.Error("{handlers/handlers - HandleHealth} database ping failed: %v", err)
				status, code = "database unavailable", http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
