package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feed-engine/internal/api"
	"feed-engine/internal/bandwidth"
	"feed-engine/internal/cache"
	"feed-engine/internal/feed"
	"feed-engine/internal/fetch"
	"feed-engine/internal/manifest"
	"feed-engine/internal/platform/config"
	"feed-engine/internal/platform/logger"
	"feed-engine/internal/platform/metrics"
	"feed-engine/internal/prefetch"
	"feed-engine/internal/session"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout    = 10 * time.Second
	defaultCacheBudget = 64 << 20
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		port    string
	)
	cmd := &cobra.Command{
		Use:   "feed-server",
		Short: "Headless feed playback and prefetch engine",
		Long: `feed-server runs the feed playback engine against a feed source and
exposes its controls and events over HTTP.

The feed comes from FEED_FILE (a JSON document) or FEED_URL (paged JSON,
GET {url}?after=N). Thresholds are read from the environment.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("loading %s: %w", envFile, err)
			}
			if port == "" {
				port = config.GetEnv("PORT", "8080")
			}
			return run(port)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "environment file to load")
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func feedConfig() feed.Config {
	cfg := feed.DefaultConfig()
	cfg.LookBehind = config.GetEnvInt("LOOKBEHIND", cfg.LookBehind)
	cfg.Lookahead = config.GetEnvInt("LOOKAHEAD", cfg.Lookahead)
	cfg.PoolCapacity = config.GetEnvInt("POOL_CAPACITY", cfg.PoolCapacity)
	cfg.MinBuffer = config.GetEnvDuration("MIN_BUFFER", cfg.MinBuffer)
	cfg.PrefetchBuffer = config.GetEnvDuration("PREFETCH_BUFFER", cfg.PrefetchBuffer)
	cfg.MaxBuffer = config.GetEnvDuration("MAX_BUFFER", cfg.MaxBuffer)
	cfg.ABRSafety = config.GetEnvFloat("ABR_SAFETY", cfg.ABRSafety)
	cfg.PrepareTimeout = config.GetEnvDuration("PREPARE_TIMEOUT", cfg.PrepareTimeout)
	cfg.ReleaseTimeout = config.GetEnvDuration("RELEASE_TIMEOUT", cfg.ReleaseTimeout)
	cfg.FetchMoreThreshold = config.GetEnvInt("FETCH_MORE_THRESHOLD", cfg.FetchMoreThreshold)
	cfg.AutoAdvance = config.GetEnvBool("AUTO_ADVANCE", cfg.AutoAdvance)
	cfg.TickInterval = config.GetEnvDuration("TICK_INTERVAL", cfg.TickInterval)
	return cfg
}

func newSource(f fetch.Fetcher) (feed.Source, error) {
	pageSize := config.GetEnvInt("FEED_PAGE_SIZE", feed.DefaultPageSize)
	if path := config.GetEnv("FEED_FILE", ""); path != "" {
		return feed.LoadStaticSource(path, pageSize)
	}
	if u := config.GetEnv("FEED_URL", ""); u != "" {
		return feed.NewHTTPSource(f, u)
	}
	return nil, errors.New("one of FEED_FILE or FEED_URL is required")
}

func run(port string) error {
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	cfg := feedConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	fetcher := fetch.NewHTTPFetcher(fetch.WithLogger(logger.Component(log, "fetch")))
	resolver := manifest.NewResolver(fetcher, log)

	budget := config.GetEnvBytes("CACHE_BUDGET", defaultCacheBudget)
	cacheOpts := []cache.Option{cache.WithLogger(log)}
	if path := config.GetEnv("CACHE_DB", ""); path != "" {
		store, err := cache.OpenSQLStore(path)
		if err != nil {
			log.Error("cache store", "path", path, "error", err)
			return err
		}
		defer store.Close()
		cacheOpts = append(cacheOpts, cache.WithStore(store))
	}
	segCache := cache.New(budget, cacheOpts...)

	bw := bandwidth.New(bandwidth.Config{
		Alpha:   config.GetEnvFloat("BANDWIDTH_ALPHA", bandwidth.DefaultAlpha),
		Initial: config.GetEnvFloat("BANDWIDTH_INITIAL", bandwidth.DefaultInitial),
	})

	sched, err := prefetch.New(prefetch.Config{
		MaxConcurrent: config.GetEnvInt("MAX_CONCURRENT_PREFETCH", prefetch.DefaultMaxConcurrent),
		RetryCount:    config.GetEnvInt("FETCH_RETRY_COUNT", prefetch.DefaultRetryCount),
		RetryBackoff:  config.GetEnvDuration("FETCH_RETRY_BACKOFF", prefetch.DefaultRetryBackoff),
		FetchTimeout:  config.GetEnvDuration("FETCH_TIMEOUT", prefetch.DefaultFetchTimeout),
		PrefetchShare: config.GetEnvFloat("PREFETCH_SHARE", prefetch.DefaultPrefetchShare),
	}, fetcher, resolver, segCache, bw, prefetch.WithLogger(log), prefetch.WithMetrics(met))
	if err != nil {
		log.Error("prefetch scheduler", "error", err)
		return err
	}

	src, err := newSource(fetcher)
	if err != nil {
		log.Error("feed source", "error", err)
		return err
	}

	ctrl, err := feed.New(cfg, src, sched, bw, session.NewNullPipeline,
		feed.WithLogger(log),
		feed.WithMetrics(met),
		feed.WithPinner(segCache),
	)
	if err != nil {
		log.Error("feed controller", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Close()

	ctrlErr := make(chan error, 1)
	go func() { ctrlErr <- ctrl.Run(ctx) }()

	h := api.NewHandler(ctrl, log, met)
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			st := segCache.Stats()
			met.SetCacheStats(st.Bytes, st.Entries, st.Hits, st.Misses, st.Evictions)
			met.SetBandwidthEstimate(bw.Estimate())
		}).ServeHTTP(w, r)
	})
	h.Register(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	log.Info("server starting",
		"port", port,
		"window", cfg.WindowSize(),
		"pool_capacity", cfg.PoolCapacity,
		"cache_budget", humanize.IBytes(uint64(budget)),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case err := <-serveErr:
		log.Error("server error", "error", err)
		return err
	case err := <-ctrlErr:
		log.Error("feed controller stopped", "error", err)
		return err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	// Stopping the controller first closes open event streams.
	cancel()
	select {
	case <-ctrl.Done():
	case <-shutdownCtx.Done():
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}

	log.Info("server stopped")
	return nil
}
