package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"iptv-relay/work/buffer"
	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/handlers"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
	"iptv-relay/work/origin"
	"iptv-relay/work/proxy"
	"iptv-relay/work/registry"
	"iptv-relay/work/telemetry"
	"iptv-relay/work/tokens"
	"iptv-relay/work/utils"
	"iptv-relay/work/verify"
)

var (
	Version = "v0.1.0" // default version
)

const (
	serviceName      = "iptv-relay"
	playlistCacheTTL = 30 * time.Second
	tokenCacheTTL    = time.Minute
	pruneInterval    = time.Hour
)

func logLevel(cfg *config.Config) string {
	if cfg.Debug {
		return "DEBUG"
	}
	return cfg.LogLevel
}

// our main app worker
func main() {
	if err := run(); err != nil {
		logger.Error("{main - main} %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadConfig()
	logger.SetLogLevel(logLevel(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("{main - run} tracer shutdown: %v", err)
		}
	}()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := registry.New(db)
	tokenProvider := tokens.NewProvider(db, cfg.AccessToken, tokenCacheTTL)
	origins := origin.NewResolver(cfg.OriginFamilies, tokenProvider)
	httpClient := client.NewHeaderSettingClient(cfg, origins)

	var store *cache.Store
	var sweeper *cache.Sweeper
	if cfg.CacheEnabled {
		store, err = cache.New(cfg.CacheDir, cfg.CacheTTL, cfg.CacheMinBytes)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		sweeper = cache.NewSweeper(store, cfg.CacheSweepInterval)
		sweeper.Start()
		defer sweeper.Stop()
	}

	bufferPool := buffer.NewBufferPool(buffer.ChunkSize)
	streamProxy := proxy.New(cfg, reg, httpClient, origins, store, bufferPool, db)
	playlist := proxy.NewPlaylist(db, cfg.PublicBaseURL, playlistCacheTTL)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer workerPool.Release()

	verifier := verify.New(reg, httpClient, origins, workerPool, cfg.VerifyInterval, cfg.ObfuscateUrls)
	if cfg.VerifyEnabled {
		verifier.Start()
		defer verifier.Stop()
	}

	if cfg.AccessLogEnabled && cfg.AccessLogRetention > 0 {
		go pruneAccessLogs(ctx, db, cfg.AccessLogRetention)
	}

	router := mux.NewRouter()
	router.HandleFunc("/proxy/channel/{channel}", handlers.HandleChannel(streamProxy)).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/proxy/segment/{channel}", handlers.HandleSegment(streamProxy)).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/playlist.m3u", middleware.Gzip(handlers.HandlePlaylist(playlist))).Methods(http.MethodGet)
	router.Handle("/{group}/playlist.m3u", middleware.Gzip(handlers.HandleGroupPlaylist(playlist))).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handlers.HandleHealth(db)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	setupAdminRoutes(router, &admin{
		cfg:      cfg,
		db:       db,
		registry: reg,
		tokens:   tokenProvider,
		verifier: verifier,
		proxy:    streamProxy,
		playlist: playlist,
		cache:    store,
	})

	limiter := middleware.NewClientLimiter(cfg.ClientRateLimit, cfg.ClientBurst)
	handler := middleware.CORS(limiter.Middleware(otelhttp.NewHandler(router, serviceName)))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// show info
	logger.Info("{main - run} Starting IPTV Relay %s", Version)
	logger.Info("{main - run} Server configuration:")
	logger.Info("{main - run}   - Listen: %s", server.Addr)
	logger.Info("{main - run}   - Public Base URL: %s", cfg.PublicBaseURL)
	logger.Info("{main - run}   - Database: %s", cfg.DatabasePath)
	logger.Info("{main - run}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - run}   - Failover Attempts: %d", cfg.FailoverAttempts)
	logger.Info("{main - run}   - Fetch: %d attempts, %s timeout", cfg.FetchRetries, cfg.FetchTimeout)
	logger.Info("{main - run}   - Cache Enabled: %v", cfg.CacheEnabled)
	if cfg.CacheEnabled {
		logger.Info("{main - run}   - Cache: %s, TTL %s, min size %s", store.Dir(), cfg.CacheTTL, utils.FormatBytes(cfg.CacheMinBytes))
	}
	logger.Info("{main - run}   - Verification: %v (every %s)", cfg.VerifyEnabled, cfg.VerifyInterval)
	logger.Info("{main - run}   - Access Log: %v", cfg.AccessLogEnabled)
	logger.Info("{main - run}   - Origin Families: %d", len(cfg.OriginFamilies))
	logger.Info("{main - run}   - Log Level: %s", logger.GetLogLevel())
	logger.Info("{main - run}   - URL Obfuscation: %v", cfg.ObfuscateUrls)
	if cfg.AdminKey == "" && cfg.AdminKeyHash == "" {
		logger.Warn("{main - run} no admin key configured, admin API will reject every request")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("{main - run} shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - run} graceful shutdown incomplete: %v", err)
	}
	return nil
}

// pruneAccessLogs deletes access log rows older than retention, hourly, and
// compacts the database after a prune that removed anything.
func pruneAccessLogs(ctx context.Context, db *database.DB, retention time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := db.PruneAccessLogs(ctx, now.Add(-retention))
			if err != nil {
				logger.Error("{main - pruneAccessLogs} %v", err)
				continue
			}
			if n == 0 {
				continue
			}
			logger.Info("{main - pruneAccessLogs} removed %d access log rows", n)
			if err := db.Vacuum(ctx); err != nil {
				logger.Warn("{main - pruneAccessLogs} vacuum failed: %v", err)
			}
		}
	}
}
