package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/alert"
	"github.com/chainbound/taikoscope-sub001/internal/chain"
	"github.com/chainbound/taikoscope-sub001/internal/circuitbreaker"
	"github.com/chainbound/taikoscope-sub001/internal/config"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/chainbound/taikoscope-sub001/internal/driver"
	"github.com/chainbound/taikoscope-sub001/internal/incident"
	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/monitor"
	"github.com/chainbound/taikoscope-sub001/internal/ratelimit"
	"github.com/chainbound/taikoscope-sub001/internal/server"
	"github.com/chainbound/taikoscope-sub001/internal/store"
	"github.com/chainbound/taikoscope-sub001/internal/store/postgres"
	redispkg "github.com/chainbound/taikoscope-sub001/internal/store/redis"
	"github.com/chainbound/taikoscope-sub001/internal/tracing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const serviceName = "taikoscope"

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         prometheus.Gauge
	inUse        prometheus.Gauge
	idle         prometheus.Gauge
	waitCount    prometheus.Gauge
	waitDuration prometheus.Gauge
}

func collectDBPoolStats(db dbStatsProvider, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.Set(float64(stats.OpenConnections))
	gauges.inUse.Set(float64(stats.InUse))
	gauges.idle.Set(float64(stats.Idle))
	gauges.waitCount.Set(float64(stats.WaitCount))
	gauges.waitDuration.Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, intervalMS int, logger *slog.Logger) {
	if db == nil || intervalMS <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}

	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildAlerter returns nil when no alert channel is configured.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		return nil
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

// buildIncidentClient returns nil in dry-run mode.
func buildIncidentClient(cfg config.IncidentConfig, logger *slog.Logger) incident.Client {
	if cfg.DryRun {
		return nil
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "incident_api",
		FailureThreshold: cfg.BreakerFailures,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("incident api circuit breaker state changed", "from", from, "to", to)
		},
	})
	return incident.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.PageID, cfg.Timeout, incident.WithBreaker(breaker))
}

// buildMonitors wires the database-backed checks and, when a prober is given,
// the public RPC check.
func buildMonitors(
	cfg *config.Config,
	repo store.MonitorRepository,
	prober monitor.SyncProber,
	client incident.Client,
	alerter alert.Alerter,
	logger *slog.Logger,
) []monitor.Monitor {
	base := func(componentID string) monitor.Config {
		return monitor.Config{
			ComponentID: componentID,
			Interval:    cfg.Monitor.Interval,
			DryRun:      cfg.Incident.DryRun,
			Notify:      cfg.Incident.Notify,
			Alerter:     alerter,
		}
	}

	monitors := []monitor.Monitor{
		monitor.NewL2HeadMonitor(base(cfg.Monitor.L2HeadComponentID), repo, cfg.Monitor.L2HeadThreshold, client, logger),
		monitor.NewL1SubmissionMonitor(base(cfg.Monitor.L1SubmissionComponentID), repo, cfg.Monitor.L1SubmissionThreshold, client, logger),
		monitor.NewProofTimeoutMonitor(base(cfg.Monitor.ProofComponentID), repo, cfg.Monitor.ProofTimeout, client, logger),
		monitor.NewVerifyTimeoutMonitor(base(cfg.Monitor.VerifyComponentID), repo, cfg.Monitor.VerifyTimeout, client, logger),
	}
	if prober != nil {
		monitors = append(monitors, monitor.NewPublicRPCMonitor(
			base(cfg.Monitor.PublicRPCComponentID), prober, cfg.Monitor.PublicRPCGrace, client, logger,
		))
	}
	return monitors
}

func incidentSources(monitors []monitor.Monitor) []server.IncidentSource {
	out := make([]server.IncidentSource, 0, len(monitors))
	for _, m := range monitors {
		if src, ok := m.(server.IncidentSource); ok {
			out = append(out, src)
		}
	}
	return out
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting taikoscope",
		"l1_rpc", cfg.Chain.L1RPCURL,
		"l2_rpc", cfg.Chain.L2RPCURL,
		"public_rpc", cfg.Chain.PublicRPCURL,
		"inbox", cfg.Chain.InboxAddress,
		"preconf_whitelist", cfg.Chain.WhitelistAddress,
		"incident_dry_run", cfg.Incident.DryRun,
		"redis_enabled", cfg.Redis.URL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Endpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	db, err := postgres.New(ctx, postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", cfg.DB.MigrationsDir)
		os.Exit(1)
	}
	logger.Info("connected to database")

	l1, err := chain.Dial(ctx, chain.Config{URL: cfg.Chain.L1RPCURL, Layer: model.LayerL1, RPS: cfg.Chain.RPS, Burst: cfg.Chain.Burst}, logger)
	if err != nil {
		logger.Error("failed to dial l1", "error", err)
		os.Exit(1)
	}
	defer l1.Close()

	l2, err := chain.Dial(ctx, chain.Config{URL: cfg.Chain.L2RPCURL, Layer: model.LayerL2, RPS: cfg.Chain.RPS, Burst: cfg.Chain.Burst}, logger)
	if err != nil {
		logger.Error("failed to dial l2", "error", err)
		os.Exit(1)
	}
	defer l2.Close()

	var prober monitor.SyncProber
	if cfg.Chain.PublicRPCURL != "" {
		public, err := chain.Dial(ctx, chain.Config{URL: cfg.Chain.PublicRPCURL, Layer: model.LayerL2, RPS: cfg.Chain.RPS, Burst: cfg.Chain.Burst}, logger)
		if err != nil {
			logger.Error("failed to dial public rpc", "error", err)
			os.Exit(1)
		}
		defer public.Close()
		prober = public
	}

	alerter := buildAlerter(cfg.Alert, logger)
	eventRepo := postgres.NewEventRepo(db.DB)

	driverOpts := []driver.Option{}
	if alerter != nil {
		driverOpts = append(driverOpts, driver.WithAlerter(alerter))
	}
	if cfg.Redis.URL != "" {
		publisher, err := redispkg.NewEventPublisher(ctx, cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err != nil {
			logger.Error("failed to initialize redis publisher", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
		defer publisher.Close()
		driverOpts = append(driverOpts, driver.WithEventSink(publisher))
	}
	if cfg.Chain.WhitelistAddress != "" {
		tracker, err := driver.NewPreconfTracker(l1, common.HexToAddress(cfg.Chain.WhitelistAddress), eventRepo, logger)
		if err != nil {
			logger.Error("failed to initialize preconf tracker", "error", err)
			os.Exit(1)
		}
		driverOpts = append(driverOpts, driver.WithPreconfTracker(tracker))
	}

	drv, err := driver.New(driver.Config{
		InboxAddress:      common.HexToAddress(cfg.Chain.InboxAddress),
		ResubscribeDelay:  cfg.Chain.ResubscribeDelay,
		BeaconGenesisTime: cfg.Chain.GenesisTime,
		SecondsPerSlot:    cfg.Chain.SecondsPerSlot,
		ReorgAlertDepth:   uint16(cfg.Alert.ReorgDepth),
	}, l1, l2, eventRepo, logger, driverOpts...)
	if err != nil {
		logger.Error("failed to initialize driver", "error", err)
		os.Exit(1)
	}

	monitors := buildMonitors(cfg, postgres.NewMonitorRepo(db.DB), prober, buildIncidentClient(cfg.Incident, logger), alerter, logger)

	limiter := ratelimit.New(ratelimit.Config{
		Limit:             cfg.Server.RateLimit,
		Window:            cfg.Server.RateLimitWindow,
		TrustProxyHeaders: cfg.Server.TrustProxy,
	})
	defer limiter.Stop()

	srv := server.New(cfg.Server.Port, incidentSources(monitors), logger,
		server.WithRateLimiter(limiter),
		server.WithReadinessCheck(db.PingContext),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	g.Go(func() error {
		return drv.Run(gCtx)
	})

	g.Go(func() error {
		return monitor.RunAll(gCtx, logger, monitors...)
	})

	startDBPoolStatsPump(gCtx, db.DB, cfg.DB.PoolStatsIntervalMS, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("taikoscope exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("taikoscope shut down gracefully")
}
