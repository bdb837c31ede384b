package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TiM00R/ThermostatLocalServer/internal/command"
	"github.com/TiM00R/ThermostatLocalServer/internal/config"
	"github.com/TiM00R/ThermostatLocalServer/internal/discovery"
	"github.com/TiM00R/ThermostatLocalServer/internal/events"
	"github.com/TiM00R/ThermostatLocalServer/internal/httpapi"
	"github.com/TiM00R/ThermostatLocalServer/internal/observability"
	"github.com/TiM00R/ThermostatLocalServer/internal/poller"
	"github.com/TiM00R/ThermostatLocalServer/internal/rollup"
	"github.com/TiM00R/ThermostatLocalServer/internal/store"
	"github.com/TiM00R/ThermostatLocalServer/internal/syncer"
	"github.com/TiM00R/ThermostatLocalServer/internal/tstat"
	"github.com/TiM00R/ThermostatLocalServer/internal/weather"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if cfg.Sync.Enabled {
		if cfg.Sync.BaseURL == "" || cfg.Sync.SiteID == "" || cfg.Sync.SiteToken == "" {
			slog.Error("sync enabled but SYNC_BASE_URL, SYNC_SITE_ID or SYNC_SITE_TOKEN is missing")
			os.Exit(1)
		}
	}

	shutdownObs, promHandler, tracer := observability.SetupObservability("thermostat-agent", cfg.OTLPEndpoint)
	defer shutdownObs()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Postgres.Host, cfg.Postgres.User, cfg.Postgres.Password,
		cfg.Postgres.DBName, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	repo, err := store.Open(dsn)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cache *store.StateCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, state cache disabled", "error", err)
		} else {
			cache = store.NewStateCache(rdb)
		}
	}

	var publisher *events.Publisher
	if cfg.MQTTBrokerURL != "" {
		mq, err := events.NewClient(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			slog.Warn("mqtt unavailable, event publishing disabled", "error", err)
		} else {
			defer mq.Close()
			publisher = events.NewPublisher(mq)
		}
	}

	deviceClient := tstat.New(cfg.Polling.RequestTimeout)

	disco := &discovery.Service{
		Store:          repo,
		Client:         deviceClient,
		QueryInterval:  cfg.Discovery.QueryInterval,
		RequestTimeout: cfg.Discovery.RequestTimeout,
		TCPConcurrent:  cfg.Discovery.TCPConcurrent,
	}
	if publisher != nil {
		disco.Events = publisher
	}

	var syncSvc *syncer.Service
	if cfg.Sync.Enabled {
		syncSvc = &syncer.Service{
			Client: syncer.NewClient(cfg.Sync.BaseURL, cfg.Sync.SiteID, cfg.Sync.SiteToken,
				cfg.Sync.Timeout, cfg.Sync.RetryAttempts, cfg.Sync.RetryDelay),
			Store:              repo,
			StatusInterval:     cfg.Sync.StatusInterval,
			MinuteInterval:     cfg.Sync.MinuteInterval,
			CommandInterval:    cfg.Sync.CommandInterval,
			AckInterval:        cfg.Sync.AckInterval,
			ImmediateBatchSize: cfg.Sync.ImmediateBatchSize,
			ImmediateWindow:    cfg.Sync.ImmediateWindow,
			MaxBatchSize:       cfg.Sync.MaxBatchSize,
		}
	}

	var wx *weather.Service
	if cfg.Weather.APIKey != "" && cfg.Weather.ZipCode != "" {
		wx = weather.New(cfg.Weather.APIKey, cfg.Weather.ZipCode, cfg.Weather.UpdateInterval,
			cfg.Weather.FallbackTemp, cfg.Weather.RetryAttempts, cfg.Weather.RetryBase)
		if syncSvc != nil {
			syncSvc.Weather = wx
		}
	}

	executor := &command.Executor{
		Store:     repo,
		Client:    deviceClient,
		Discovery: disco,
	}
	if syncSvc != nil {
		executor.Acks = syncSvc
		executor.Progress = syncSvc
		executor.Registrar = syncSvc
		syncSvc.Handler = executor.Handle
		syncSvc.Observe = observability.SyncObserved
	}

	agentPoller := &poller.Poller{
		Store:          repo,
		Client:         deviceClient,
		Metrics:        observability.PollerMetrics{},
		Interval:       cfg.Polling.Interval,
		MaxConcurrent:  cfg.Polling.MaxConcurrent,
		RequestTimeout: cfg.Polling.RequestTimeout,
		ErrorThreshold: cfg.Polling.ErrorThreshold,
	}
	if cache != nil {
		agentPoller.Cache = cache
	}
	if wx != nil {
		agentPoller.Weather = wx
	}
	agentPoller.OnChange = func(ctx context.Context, c poller.Change) {
		if publisher != nil {
			publisher.StateChanged(ctx, c)
		}
		if syncSvc != nil {
			syncSvc.QueueChange(syncer.ThermostatStatus{
				ThermostatID:    c.DeviceID.String(),
				Temp:            c.State.Temp,
				TMode:           c.State.TMode,
				THeat:           c.State.THeat,
				TState:          c.State.TState,
				Hold:            c.State.Hold,
				Override:        c.State.Override,
				LastPollSuccess: true,
				ChangeType:      c.Kind,
			})
		}
	}

	roller := rollup.New(repo, cfg.Rollup.RawRetentionDays, cfg.Rollup.MinuteRetentionDays,
		cfg.Rollup.BackfillMinutes)
	roller.Observe = observability.RollupObserved
	roller.Failures = agentPoller.TakeFailures
	executor.Observe = observability.CommandObserved

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("starting " + name)
			fn(ctx)
		}()
	}

	runBackground("poller", agentPoller.Run)
	runBackground("rollup", roller.Run)
	if wx != nil {
		runBackground("weather", wx.Run)
	}
	if syncSvc != nil {
		runBackground("sync", syncSvc.Run)
	}

	// Initial discovery pass so the poller has devices to work with on a
	// fresh database, then periodic re-scans to pick up new devices.
	discoOpts := discovery.Options{
		UDP:      true,
		TCPScan:  cfg.Discovery.TCPScanEnabled,
		IPRanges: cfg.Discovery.IPRanges,
		Timeout:  cfg.Discovery.Timeout,
	}
	go func() {
		discoCtx, discoCancel := context.WithTimeout(ctx, 2*time.Minute)
		defer discoCancel()
		if _, err := disco.Run(discoCtx, discoOpts); err != nil {
			slog.Warn("startup discovery failed", "error", err)
		}
	}()
	runBackground("discovery", func(ctx context.Context) {
		disco.RunPeriodic(ctx, cfg.Discovery.ScanInterval, discoOpts)
	})

	api := &httpapi.Server{
		Repo:        repo,
		Cache:       cache,
		Executor:    executor,
		Discovery:   disco,
		Weather:     wx,
		Sync:        syncSvc,
		Poller:      agentPoller,
		PromHandler: promHandler,
		Middleware:  observability.MetricsAndTracingMiddleware(tracer, "thermostat-agent"),
	}
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("thermostat-agent listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
