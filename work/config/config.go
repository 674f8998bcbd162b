package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when RELAY_CONFIG is not set.
const DefaultPath = "/settings/config.json"

// Config holds all runtime configuration for the relay.
type Config struct {
	Port               int            // HTTP listen port
	PublicBaseURL      string         // Base for rewritten URLs; empty derives it from the request
	DatabasePath       string         // SQLite file holding sources, channel info, tokens and access logs
	CacheEnabled       bool           // Whether media responses are teed to disk
	CacheDir           string         // Directory for cache entries
	CacheTTL           time.Duration  // Max age of a valid cache entry
	CacheMinBytes      int64          // Size floor of a valid cache entry
	CacheSweepInterval time.Duration  // How often expired entries are reaped
	FetchTimeout       time.Duration  // Per-attempt upstream timeout
	FetchRetries       int            // Attempts per fetch
	FetchBackoff       time.Duration  // Fixed pause between attempts
	UserAgent          string         // Default upstream User-Agent
	UpstreamRateLimit  int            // Requests per second per upstream host, 0 disables
	FailoverAttempts   int            // Distinct sources tried per channel request
	VerifyEnabled      bool           // Run the periodic verification pass
	VerifyInterval     time.Duration  // Interval between verification passes
	WorkerThreads      int            // Verification pool size
	LogLevel           string         // DEBUG, INFO, WARN, ERROR
	Debug              bool           // Forces DEBUG logging
	ObfuscateUrls      bool           // Hide credentials and tokens in logged URLs
	ClientRateLimit    float64        // Requests per second per client IP, 0 disables
	ClientBurst        int            // Burst size for the client limiter
	AccessLogEnabled   bool           // Persist one row per proxied request
	AccessLogRetention time.Duration  // Rows older than this are pruned
	AdminKey           string         // Plain admin key compared against X-Auth-Key
	AdminKeyHash       string         // bcrypt hash of the admin key, preferred when set
	AccessToken        string         // Fallback token for credentialed origins
	OriginFamilies     []OriginFamily // Upstream families with their header bundles
}

// OriginFamily groups upstream hosts that need the same request headers,
// and optionally an access token.
type OriginFamily struct {
	Name          string            `json:"name" yaml:"name"`
	HostPatterns  []string          `json:"hostPatterns" yaml:"hostPatterns"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
	RequiresToken bool              `json:"requiresToken" yaml:"requiresToken"`
}

// ConfigFile is the on-disk representation. Durations are strings ("1h", "10s").
type ConfigFile struct {
	Port               int            `json:"port" yaml:"port"`
	PublicBaseURL      string         `json:"publicBaseURL" yaml:"publicBaseURL"`
	DatabasePath       string         `json:"databasePath" yaml:"databasePath"`
	CacheEnabled       *bool          `json:"cacheEnabled" yaml:"cacheEnabled"`
	CacheDir           string         `json:"cacheDir" yaml:"cacheDir"`
	CacheTTL           string         `json:"cacheTTL" yaml:"cacheTTL"`
	CacheMinBytes      int64          `json:"cacheMinBytes" yaml:"cacheMinBytes"`
	CacheSweepInterval string         `json:"cacheSweepInterval" yaml:"cacheSweepInterval"`
	FetchTimeout       string         `json:"fetchTimeout" yaml:"fetchTimeout"`
	FetchRetries       int            `json:"fetchRetries" yaml:"fetchRetries"`
	FetchBackoff       string         `json:"fetchBackoff" yaml:"fetchBackoff"`
	UserAgent          string         `json:"userAgent" yaml:"userAgent"`
	UpstreamRateLimit  int            `json:"upstreamRateLimit" yaml:"upstreamRateLimit"`
	FailoverAttempts   int            `json:"failoverAttempts" yaml:"failoverAttempts"`
	VerifyEnabled      *bool          `json:"verifyEnabled" yaml:"verifyEnabled"`
	VerifyInterval     string         `json:"verifyInterval" yaml:"verifyInterval"`
	WorkerThreads      int            `json:"workerThreads" yaml:"workerThreads"`
	LogLevel           string         `json:"logLevel" yaml:"logLevel"`
	Debug              bool           `json:"debug" yaml:"debug"`
	ObfuscateUrls      *bool          `json:"obfuscateUrls" yaml:"obfuscateUrls"`
	ClientRateLimit    float64        `json:"clientRateLimit" yaml:"clientRateLimit"`
	ClientBurst        int            `json:"clientBurst" yaml:"clientBurst"`
	AccessLogEnabled   *bool          `json:"accessLogEnabled" yaml:"accessLogEnabled"`
	AccessLogRetention string         `json:"accessLogRetention" yaml:"accessLogRetention"`
	AdminKey           string         `json:"adminKey" yaml:"adminKey"`
	AdminKeyHash       string         `json:"adminKeyHash" yaml:"adminKeyHash"`
	AccessToken        string         `json:"accessToken" yaml:"accessToken"`
	OriginFamilies     []OriginFamily `json:"originFamilies" yaml:"originFamilies"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the cached configuration, loading it on first use from
// RELAY_CONFIG (or /settings/config.json). A missing or invalid file falls
// back to defaults so the relay can still start.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = DefaultPath
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		cfg = getDefaultConfig()
		applyEnv(cfg)
		validateAndSetDefaults(cfg)
	}

	configCache = cfg
	return cfg
}

// ClearConfigCache drops the cached configuration so the next LoadConfig re-reads it.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// LoadFrom reads a JSON or YAML file (chosen by extension), applies env
// overrides and fills defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	cfg, err := convertFromFile(&cf)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	validateAndSetDefaults(cfg)
	return cfg, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty durations are left zero for validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := getDefaultConfig()

	cfg.Port = cf.Port
	cfg.PublicBaseURL = strings.TrimRight(cf.PublicBaseURL, "/")
	cfg.DatabasePath = cf.DatabasePath
	cfg.CacheDir = cf.CacheDir
	cfg.CacheMinBytes = cf.CacheMinBytes
	cfg.FetchRetries = cf.FetchRetries
	cfg.UserAgent = cf.UserAgent
	cfg.UpstreamRateLimit = cf.UpstreamRateLimit
	cfg.FailoverAttempts = cf.FailoverAttempts
	cfg.WorkerThreads = cf.WorkerThreads
	cfg.LogLevel = cf.LogLevel
	cfg.Debug = cf.Debug
	cfg.ClientRateLimit = cf.ClientRateLimit
	cfg.ClientBurst = cf.ClientBurst
	cfg.AdminKey = cf.AdminKey
	cfg.AdminKeyHash = cf.AdminKeyHash
	cfg.AccessToken = cf.AccessToken

	if cf.CacheEnabled != nil {
		cfg.CacheEnabled = *cf.CacheEnabled
	}
	if cf.VerifyEnabled != nil {
		cfg.VerifyEnabled = *cf.VerifyEnabled
	}
	if cf.ObfuscateUrls != nil {
		cfg.ObfuscateUrls = *cf.ObfuscateUrls
	}
	if cf.AccessLogEnabled != nil {
		cfg.AccessLogEnabled = *cf.AccessLogEnabled
	}
	if cf.OriginFamilies != nil {
		cfg.OriginFamilies = cf.OriginFamilies
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"cacheTTL", cf.CacheTTL, &cfg.CacheTTL},
		{"cacheSweepInterval", cf.CacheSweepInterval, &cfg.CacheSweepInterval},
		{"fetchTimeout", cf.FetchTimeout, &cfg.FetchTimeout},
		{"fetchBackoff", cf.FetchBackoff, &cfg.FetchBackoff},
		{"verifyInterval", cf.VerifyInterval, &cfg.VerifyInterval},
		{"accessLogRetention", cf.AccessLogRetention, &cfg.AccessLogRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			*d.dst = 0
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// applyEnv lets the container environment override file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		cfg.AdminKey = v
	}
	if v := os.Getenv("ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv("RELAY_DB"); v != "" {
		cfg.DatabasePath = v
	}
}

// DefaultOriginFamilies returns the built-in upstream families: a portal
// family that only accepts requests looking like they came from its web
// player, and a token family that needs a bearer token.
func DefaultOriginFamilies() []OriginFamily {
	return []OriginFamily{
		{
			Name:         "cctv",
			HostPatterns: []string{"cctv", "volcfcdn.com", "myqcloud.com", "myalicdn.com"},
			Headers: map[string]string{
				"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
				"Accept":          "*/*",
				"Accept-Language": "en,zh-CN;q=0.9,zh;q=0.8",
				"Origin":          "https://tv.cctv.com",
				"Referer":         "https://tv.cctv.com/",
				"Sec-Fetch-Dest":  "empty",
				"Sec-Fetch-Mode":  "cors",
				"Sec-Fetch-Site":  "cross-site",
			},
		},
		{
			Name:          "mytv",
			HostPatterns:  []string{"mytvsuper", "mytv"},
			RequiresToken: true,
		},
	}
}

func getDefaultConfig() *Config {
	return &Config{
		Port:               8080,
		DatabasePath:       "/settings/relay.db",
		CacheEnabled:       true,
		CacheDir:           "/settings/cache",
		CacheTTL:           time.Hour,
		CacheMinBytes:      1024,
		CacheSweepInterval: time.Hour,
		FetchTimeout:       10 * time.Second,
		FetchRetries:       3,
		FetchBackoff:       time.Second,
		UserAgent:          "VLC/3.0.18 LibVLC/3.0.18",
		FailoverAttempts:   3,
		VerifyEnabled:      true,
		VerifyInterval:     6 * time.Hour,
		WorkerThreads:      8,
		LogLevel:           "INFO",
		ObfuscateUrls:      true,
		ClientRateLimit:    50,
		ClientBurst:        100,
		AccessLogEnabled:   true,
		AccessLogRetention: 7 * 24 * time.Hour,
		AdminKey:           "changeme",
		OriginFamilies:     DefaultOriginFamilies(),
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8080
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/settings/relay.db"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/settings/cache"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheMinBytes <= 0 {
		cfg.CacheMinBytes = 1024
	}
	if cfg.CacheSweepInterval <= 0 {
		cfg.CacheSweepInterval = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = 3
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if cfg.UpstreamRateLimit < 0 {
		cfg.UpstreamRateLimit = 0
	}
	if cfg.FailoverAttempts <= 0 {
		cfg.FailoverAttempts = 3
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 6 * time.Hour
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.ClientRateLimit < 0 {
		cfg.ClientRateLimit = 0
	}
	if cfg.ClientBurst <= 0 {
		cfg.ClientBurst = 100
	}
	if cfg.AccessLogRetention <= 0 {
		cfg.AccessLogRetention = 7 * 24 * time.Hour
	}
	if cfg.AdminKey == "" && cfg.AdminKeyHash == "" {
		cfg.AdminKey = "changeme"
	}

	for i := range cfg.OriginFamilies {
		fam := &cfg.OriginFamilies[i]
		if fam.Name == "" {
			fam.Name = fmt.Sprintf("family_%d", i+1)
		}
		for j, p := range fam.HostPatterns {
			fam.HostPatterns[j] = strings.ToLower(strings.TrimSpace(p))
		}
	}
}
