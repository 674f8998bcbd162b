package types

import "time"

// ChannelSource is one candidate upstream URL for a channel together with the
// health counters that drive source selection.
type ChannelSource struct {
	ChannelID       string    `json:"channel_id"`
	URL             string    `json:"url"`
	Priority        int       `json:"priority"` // lower is preferred
	Active          bool      `json:"active"`
	SuccessCount    int64     `json:"success_count"`
	FailCount       int64     `json:"fail_count"`
	AvgResponseTime float64   `json:"avg_response_time"` // seconds, running mean over successes
	LastChecked     time.Time `json:"last_checked"`
}

// ChannelInfo is display metadata used when generating playlists.
type ChannelInfo struct {
	ChannelID   string `json:"channel_id"`
	DisplayName string `json:"display_name"`
	LogoURL     string `json:"logo_url"`
	EPGID       string `json:"epg_id"`
	GroupTitle  string `json:"group_title"`
	Description string `json:"description"`
	Country     string `json:"country"`
	Language    string `json:"language"`
	Categories  string `json:"categories"`
}

// AccessToken is a bearer token for credentialed origins.
type AccessToken struct {
	Token   string    `json:"token"`
	Expiry  time.Time `json:"expiry"`
	AddedAt time.Time `json:"added_at"`
}

// AccessLogEntry records one proxied request.
type AccessLogEntry struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	SourceURL  string    `json:"source_url"`
	AccessTime time.Time `json:"access_time"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent"`
	Status     string    `json:"status"` // outcome label: success, cache_hit, source_error, ...
	BytesSent  int64     `json:"bytes_sent"`
}

// Stats is the summary served by the admin stats endpoint.
type Stats struct {
	Channels      int   `json:"channels"`
	Sources       int   `json:"sources"`
	ActiveSources int   `json:"active_sources"`
	Tokens        int   `json:"valid_tokens"`
	AccessLogRows int64 `json:"access_log_rows"`
	CacheFiles    int   `json:"cache_files"`
	CacheBytes    int64 `json:"cache_bytes"`
}
