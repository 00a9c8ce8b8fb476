// Command gateway runs the kasha prerender gateway: the public HTTP front,
// the render coordinator, the sitemap aggregator and the cache janitor, all
// wired against a shared Postgres document store and Redis-backed worker
// bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/coordinator"
	"github.com/kasha/gateway/internal/events"
	"github.com/kasha/gateway/internal/httpfront"
	"github.com/kasha/gateway/internal/janitor"
	"github.com/kasha/gateway/internal/logger"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/metricsserver"
	"github.com/kasha/gateway/internal/pending"
	redisutil "github.com/kasha/gateway/internal/redisutil"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

const shutdownGrace = 25 * time.Second

func main() {
	configPath := flag.String("c", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	initialLogger.Info("starting kasha gateway", zap.String("config_path", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		initialLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.ToLoggerConfig())
	if err != nil {
		initialLogger.Fatal("failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()

	instanceID := uuid.New().String()
	glog := dynamicLogger.With(zap.String("instance", instanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mtr := metrics.New("kasha_gateway", glog)

	snapshotsPG, err := snapshot.NewPostgresStore(ctx, snapshot.PostgresConfig{
		DSN:      cfg.Store.URL,
		Table:    cfg.Store.SnapshotsTable,
		PoolSize: int32(cfg.Store.PoolSize),
	})
	if err != nil {
		glog.Fatal("failed to connect snapshot store", zap.Error(err))
	}

	var localCache *snapshot.LocalCache
	if cfg.Store.LocalCacheDir != "" {
		localCache, err = snapshot.NewLocalCache(snapshot.LocalCacheConfig{
			RAMMaxEntries: cfg.Store.LocalCacheEntries,
			DiskPath:      cfg.Store.LocalCacheDir,
		})
		if err != nil {
			glog.Fatal("failed to open local snapshot cache", zap.Error(err))
		}
	}
	store := snapshot.NewStore(snapshotsPG, localCache)

	siteConfigsPG, err := siteconfig.NewPostgresStore(ctx, siteconfig.PostgresConfig{
		DSN:      cfg.Store.URL,
		Table:    cfg.Store.SiteConfigsTable,
		PoolSize: int32(cfg.Store.PoolSize),
	})
	if err != nil {
		glog.Fatal("failed to connect site config store", zap.Error(err))
	}
	resolver := siteconfig.NewResolver(siteConfigsPG, siteconfig.DefaultTTL)

	busWriter, err := redisutil.NewClient(cfg.Bus.Writer, glog)
	if err != nil {
		glog.Fatal("failed to connect bus writer", zap.Error(err))
	}
	defer busWriter.Close()
	busReader, err := redisutil.NewClient(cfg.Bus.Reader, glog)
	if err != nil {
		glog.Fatal("failed to connect bus reader", zap.Error(err))
	}
	defer busReader.Close()
	workerBus := bus.New(busWriter, busReader, glog)

	registry := pending.NewRegistry(time.Duration(cfg.WorkerTimeout) * time.Second)

	var sinks []events.EventEmitter
	if cfg.Events.File.Enabled {
		fileEmitter, err := events.NewFileEmitter(cfg.Events.File, glog)
		if err != nil {
			glog.Fatal("failed to create event emitter", zap.Error(err))
		}
		sinks = append(sinks, fileEmitter)
	}
	if cfg.Events.Stdout {
		sinks = append(sinks, events.NewStdoutEmitter(glog))
	}

	var emitter events.EventEmitter
	switch len(sinks) {
	case 0:
		emitter = &events.NoopEmitter{}
	case 1:
		emitter = sinks[0]
	default:
		emitter = events.NewMultiEmitter(sinks, glog)
	}
	defer emitter.Close()

	coord := coordinator.New(store, registry, workerBus, emitter, glog, coordinator.Config{
		MaxAge:        cfg.Cache.MaxAgeDuration(),
		SMaxAge:       cfg.Cache.SMaxAgeDuration(),
		WorkerTimeout: time.Duration(cfg.WorkerTimeout) * time.Second,
	}, instanceID).WithMetrics(mtr)

	if err := coord.Start(ctx); err != nil {
		glog.Fatal("failed to start coordinator", zap.Error(err))
	}

	aggregator := sitemap.New(store, resolver, time.Duration(cfg.Cache.Sitemap)*time.Second).WithMetrics(mtr)

	janitorInterval := cfg.Cache.RemoveAfterDuration() / 24
	if janitorInterval > time.Hour {
		janitorInterval = time.Hour
	}
	if janitorInterval <= 0 {
		janitorInterval = time.Minute
	}
	sweepJanitor := janitor.New(store, busReader, glog, cfg.Cache.RemoveAfterDuration(), janitorInterval, instanceID).WithMetrics(mtr)
	go sweepJanitor.Run(ctx)

	front := httpfront.New(httpfront.Config{
		APIHosts:            cfg.APIHost,
		EnableHomepage:      cfg.EnableHomepage,
		DisallowUnknownSite: cfg.DisallowUnknownSite,
		Cache:               cfg.Cache,
		AdminSharedSecret:   cfg.Admin.SharedSecret,
	}, resolver, coord, aggregator, store, busReader, glog)

	metricsSrv, err := metricsserver.StartMetricsServer(cfg.Admin.MetricsPort > 0, fmt.Sprintf(":%d", cfg.Admin.MetricsPort), "/metrics", mtr, glog)
	if err != nil {
		glog.Fatal("failed to start metrics server", zap.Error(err))
	}

	httpSrv := &fasthttp.Server{
		Handler:                      front.HandleRequest,
		Name:                         "kasha-gateway",
		ReadTimeout:                  30 * time.Second,
		WriteTimeout:                 30 * time.Second,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	serverErrors := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(listenAddr); err != nil {
			serverErrors <- fmt.Errorf("http server failed: %w", err)
		}
	}()
	glog.Info("kasha gateway started", zap.String("listen", listenAddr))

	dynamicLogger.SwitchToConfiguredLevel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		glog.Info("shutdown signal received, draining")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		glog.Error("server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := httpSrv.ShutdownWithContext(shutdownCtx); err != nil {
		glog.Error("http server shutdown error", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.ShutdownWithContext(shutdownCtx); err != nil {
			glog.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	workerBus.Close()
	cancel() // stops the janitor and coordinator sweep loops

	if err := store.Close(); err != nil {
		glog.Error("snapshot store close error", zap.Error(err))
	}

	glog.Info("kasha gateway stopped")
}
