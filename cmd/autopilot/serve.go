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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/miradorstack/mirador-autopilot/internal/anomaly"
	"github.com/miradorstack/mirador-autopilot/internal/api"
	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/autonomy"
	"github.com/miradorstack/mirador-autopilot/internal/cache"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/decision"
	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/monitor"
	"github.com/miradorstack/mirador-autopilot/internal/observe"
	"github.com/miradorstack/mirador-autopilot/internal/orchestrator"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/predict"
	"github.com/miradorstack/mirador-autopilot/internal/response"
	"github.com/miradorstack/mirador-autopilot/internal/scheduler"
	"github.com/miradorstack/mirador-autopilot/internal/services"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the autopilot: gRPC control surface, admin HTTP, cycle and monitoring schedulers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			os.Exit(serve(cmd.Context()))
		},
	}
}

// serve wires every component from config and blocks until SIGINT/SIGTERM.
func serve(parent context.Context) int {
	if parent == nil {
		parent = context.Background()
	}
	configPath := viper.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return 1
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting mirador-autopilot",
		slog.String("address", cfg.Server.Address),
		slog.String("admin_address", cfg.Server.AdminAddress),
	)

	if err := models.ValidateActionTable(); err != nil {
		logger.Error("action table incomplete", slog.Any("error", err))
		return 1
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		actionPersister   audit.ActionPersister
		decisionPersister audit.DecisionPersister
		historyStore      statemachine.HistoryStore
		decisionHistory   api.DecisionHistory
	)
	if cfg.Storage.Path != "" {
		db, err := store.Open(ctx, cfg.Storage.Path)
		if err != nil {
			logger.Error("failed to open storage", slog.String("path", cfg.Storage.Path), slog.Any("error", err))
			return 1
		}
		defer db.Close()
		actionPersister, decisionPersister, historyStore = db, db, db
		decisionHistory = db
	} else {
		logger.Warn("storage path empty, running in memory only")
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			KeyPrefix:    cfg.Cache.KeyPrefix,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, using in-process cooldowns", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	trail := audit.NewTrail(cfg.Guardrails.RecordRetention, actionPersister, logger)
	if n, err := trail.Restore(ctx); err != nil {
		logger.Warn("failed to restore action records", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("action records restored", slog.Int("records", n))
	}
	decisionLog := audit.NewDecisionLog(cfg.Autonomy.DecisionLogSize, decisionPersister, logger)
	machines := statemachine.NewManager(logger, historyStore)
	if n, err := machines.Restore(ctx); err != nil {
		logger.Warn("failed to restore deployment histories", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("deployment histories restored", slog.Int("deployments", n))
	}

	sources, actors, err := buildPlatforms(cfg.Platforms)
	if err != nil {
		logger.Error("invalid platform configuration", slog.Any("error", err))
		return 1
	}

	router := platform.NewRouter(actors...)
	if err := router.Validate(); err != nil {
		logger.Error("platforms do not cover every action type", slog.Any("error", err))
		return 1
	}

	w := cfg.Autonomy.Weights
	engine := decision.NewEngine(decision.NewWeightedScorer(decision.Weights{
		BaseReliability:   w.BaseReliability,
		HistoricalSuccess: w.HistoricalSuccess,
		SignalSeverity:    w.SignalSeverity,
		Corroboration:     w.Corroboration,
		BlastBudget:       w.BlastBudget,
	}), logger)
	orch := orchestrator.New(
		observe.NewBuilder(sources, cfg.Autonomy.SourceTimeout, logger),
		engine,
		router,
		machines,
		trail,
		logger,
	)
	controller := autonomy.New(autonomy.Config{
		ConfidenceThreshold: cfg.Autonomy.ConfidenceThreshold,
		RateLimit:           cfg.Guardrails.RateLimit,
		RateWindow:          cfg.Guardrails.RateWindow,
		BlastRadius:         cfg.Guardrails.BlastRadius,
		BlastWindow:         cfg.Guardrails.BlastWindow,
		SelfHealingEnabled:  cfg.Autonomy.SelfHealingEnabled,
		KillSwitch:          cfg.Guardrails.KillSwitch,
	}, orch, engine, trail, decisionLog, predict.NewAnalyzer(trail, cfg.Autonomy.TrendWindow, logger), logger)

	rules, err := response.LoadRules(cfg.Response.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load response rules", slog.Any("error", err))
		return 1
	}
	detector := anomaly.NewDetector(anomaly.Config{
		Window:             cfg.Anomaly.Window,
		MinSamples:         cfg.Anomaly.MinSamples,
		ZThreshold:         cfg.Anomaly.ZThreshold,
		MADThreshold:       cfg.Anomaly.MADThreshold,
		SeasonalMinSamples: cfg.Anomaly.SeasonalMinSamples,
		AdaptAfter:         cfg.Anomaly.AdaptAfter,
	})
	integrator := response.NewIntegrator(rules, controller, cacheProvider, response.Config{
		Cooldown:    cfg.Response.Cooldown,
		Reconfirm:   cfg.Response.Reconfirm,
		MinSeverity: models.ParseSeverity(cfg.Response.MinSeverity),
	}, logger)

	collectors, err := buildCollectors(cfg.Monitoring)
	if err != nil {
		logger.Error("invalid monitoring endpoint", slog.Any("error", err))
		return 1
	}
	loop := monitor.New(collectors, detector, integrator, monitor.Config{
		Interval:         cfg.Monitoring.Interval,
		EndpointTimeout:  cfg.Monitoring.EndpointTimeout,
		HistorySize:      cfg.Monitoring.HistorySize,
		ErrorThreshold:   cfg.Monitoring.ErrorThreshold,
		ErrorCooldown:    cfg.Monitoring.ErrorCooldown,
		AnomalyDetection: cfg.Anomaly.Enabled,
	}, logger)
	if cfg.Monitoring.AutoStart {
		if _, err := loop.Start(); err != nil {
			logger.Warn("monitoring did not start", slog.Any("error", err))
		}
	}

	svc := services.NewControlService(logger, services.Deps{
		Controller: controller,
		Monitor:    loop,
		Detector:   detector,
		Integrator: integrator,
		Latency:    orch.Latency(),
		Settings:   cfg.Runtime(),
	})

	server, err := api.NewServer(cfg.Server, svc, logger)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		return 1
	}

	var adminServer *http.Server
	if cfg.Server.AdminAddress != "" {
		router := api.NewAdminRouter(svc, decisionHistory, logger, api.HealthCheck{
			Name:  "cache",
			Check: func(ctx context.Context) error { return cache.Ping(ctx, cacheProvider) },
		})
		adminServer = &http.Server{
			Addr:         cfg.Server.AdminAddress,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("admin server listening", slog.String("address", cfg.Server.AdminAddress))
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	sched := scheduler.New(time.Second, logger)
	cycleInterval := cfg.Autonomy.CycleInterval
	_ = sched.Add(scheduler.Job{
		Name:     "cycle",
		Interval: func() time.Duration { return cycleInterval },
		Run: func(ctx context.Context) {
			_, _ = svc.RunCycle(ctx)
		},
	})
	_ = sched.Add(scheduler.Job{
		Name:     "monitor",
		Interval: svc.MonitorInterval,
		Run:      svc.MonitorTick,
	})
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	go func() {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()

	server.Shutdown(shutdownCtx)
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown", slog.Any("error", err))
		}
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs still running at shutdown")
	}
	logger.Info("shutdown complete")
	return 0
}

func buildPlatforms(cfgs []config.PlatformConfig) ([]platform.Source, []platform.Actor, error) {
	var sources []platform.Source
	var actors []platform.Actor
	for _, p := range cfgs {
		client, err := platform.NewHTTPClient(platform.HTTPConfig{
			Name:       p.Name,
			BaseURL:    p.BaseURL,
			StatePath:  p.StatePath,
			ActionPath: p.ActionPath,
			VerifyPath: p.VerifyPath,
			Timeout:    p.Timeout,
			RateLimit:  p.RateLimit,
			RateBurst:  p.RateBurst,
			Actions:    p.Actions,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("platform %q: %w", p.Name, err)
		}
		sources = append(sources, client)
		actors = append(actors, client)
	}
	return sources, actors, nil
}

func buildCollectors(cfg config.MonitoringConfig) ([]platform.MetricsCollector, error) {
	collectors := make([]platform.MetricsCollector, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		c, err := platform.NewHTTPCollector(ep.Name, ep.Target, ep.URL, cfg.EndpointTimeout)
		if err != nil {
			return nil, err
		}
		collectors = append(collectors, c)
	}
	return collectors, nil
}
