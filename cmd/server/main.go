// Package main provides the API server entry point for the wallet cluster engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallet-cluster-engine/internal/analysis"
	"github.com/wallet-cluster-engine/internal/api"
	"github.com/wallet-cluster-engine/internal/circuitbreaker"
	"github.com/wallet-cluster-engine/internal/clustering"
	"github.com/wallet-cluster-engine/internal/config"
	"github.com/wallet-cluster-engine/internal/events"
	"github.com/wallet-cluster-engine/internal/job"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/profile"
	"github.com/wallet-cluster-engine/internal/ratelimit"
	"github.com/wallet-cluster-engine/internal/retry"
	"github.com/wallet-cluster-engine/internal/risk"
	"github.com/wallet-cluster-engine/internal/service"
	"github.com/wallet-cluster-engine/internal/storage"
)

func main() {
	fmt.Println("Wallet Cluster Engine API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// bounds dialing and pinging the backing stores
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	health := make(map[string]api.Pinger)

	// Result cache: Redis when enabled, in-process otherwise
	var redisCache *storage.RedisCache
	var resultCache storage.ResultCache
	if cfg.Database.Redis.Enabled {
		redisCache, err = storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisCache.Close()
		health["redis"] = redisCache
		resultCache = storage.NewRedisResultCache(redisCache, cfg.Cache.TTL, cfg.Cache.KeyPrefix)
		logger.Info("Using Redis result cache")
	} else {
		resultCache = storage.NewMemoryResultCache(cfg.Cache.TTL)
		logger.Info("Using in-memory result cache")
	}
	cache := storage.NewInstrumentedCache(resultCache, logger)

	// Transaction source: ClickHouse when enabled, collaborator ingest otherwise
	var rawSource storage.TransactionSource
	var ingest service.Appender
	if cfg.Database.ClickHouse.Enabled {
		// one read per job worker across every concurrently running job
		readers := cfg.Job.Workers * cfg.Job.MaxConcurrent
		chSource, err := storage.OpenClickHouseSource(startCtx, &cfg.Database.ClickHouse, readers, 0)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open ClickHouse transaction source")
		}
		defer chSource.Close()
		health["clickhouse"] = chSource
		rawSource = chSource
		logger.WithField("table", cfg.Database.ClickHouse.Table).Info("Using ClickHouse transaction source")
	} else {
		memSource := storage.NewMemorySource()
		rawSource = memSource
		ingest = memSource
		logger.Info("Using in-memory transaction source; ingest endpoint enabled")
	}

	// Query budget, charged per source query
	var budgetStats api.BudgetStatsProvider
	if cfg.Source.BudgetEnabled {
		budget, err := newSourceBudget(cfg, redisCache)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create source query budget")
		}
		controller, err := ratelimit.NewController(&ratelimit.ControllerConfig{
			Budget:  budget,
			MaxWait: cfg.Source.BudgetMaxWait,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create source rate controller")
		}
		rawSource = ratelimit.NewThrottledSource(rawSource, controller)
		budgetStats = controller
	}

	breakerCfg := circuitbreaker.DefaultConfig("transaction-source")
	breakerCfg.MaxFailures = cfg.Source.BreakerFailures
	breakerCfg.FailureThreshold = cfg.Source.BreakerThreshold
	breakerCfg.Timeout = cfg.Source.BreakerTimeout

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.Source.RetryAttempts
	retryCfg.InitialDelay = cfg.Source.RetryInitial

	source := storage.NewGuardedSource(rawSource, circuitbreaker.NewCircuitBreaker(breakerCfg), retryCfg)

	// Analysis pipeline
	scorer, err := risk.NewScorer(risk.Config{
		Weights: risk.Weights{
			Size:           cfg.Risk.SizeWeight,
			Similarity:     cfg.Risk.SimilarityWeight,
			Temporal:       cfg.Risk.TemporalWeight,
			AddressPattern: cfg.Risk.AddressPatternWeight,
		},
		LargeClusterSize:  cfg.Risk.LargeClusterSize,
		FactorThreshold:   cfg.Risk.FactorThreshold,
		TemporalBucket:    cfg.Risk.TemporalBucket,
		SeverityFloor:     cfg.Risk.SeverityFloor,
		FingerprintWeight: cfg.Clustering.FingerprintWeight,
	})
	if err != nil {
		logger.WithError(err).Fatal("Invalid risk configuration")
	}

	params := clustering.Params{
		SimhashThreshold:  cfg.Clustering.SimhashThreshold,
		RelaxedThreshold:  cfg.Clustering.RelaxedThreshold,
		MinClusterSize:    cfg.Clustering.MinClusterSize,
		HybridThreshold:   cfg.Clustering.HybridThreshold,
		FingerprintWeight: cfg.Clustering.FingerprintWeight,
	}
	hops := clustering.DepthHops{
		Shallow: cfg.Clustering.ShallowHops,
		Medium:  cfg.Clustering.MediumHops,
		Deep:    cfg.Clustering.DeepHops,
	}
	analyzer := analysis.NewAnalyzer(clustering.NewEngine(), scorer, params, hops)
	profiles := profile.NewStore(cfg.Profile.StoreCapacity)

	// Job events, optionally mirrored to NATS
	var sinks []events.Sink
	if cfg.NATS.URL != "" {
		natsSink, err := events.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
		logger.WithField("subject_prefix", cfg.NATS.SubjectPrefix).Info("Mirroring job events to NATS")
	}
	broker := events.NewBroker(cfg.Job.EventBuffer, logger, sinks...)

	// Terminal jobs outlive the in-memory TTL in Postgres when enabled
	var archive storage.JobArchive
	if cfg.Database.Postgres.Enabled {
		pgArchive, err := storage.OpenPostgresJobArchive(startCtx, &cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Postgres")
		}
		defer pgArchive.Close()
		health["postgres"] = pgArchive
		archive = pgArchive
		logger.Info("Archiving terminal jobs to Postgres")
	}

	orchestrator, err := job.NewOrchestrator(job.Config{
		Workers:         cfg.Job.Workers,
		MaxConcurrent:   cfg.Job.MaxConcurrent,
		Timeout:         cfg.Job.Timeout,
		ResultTTL:       cfg.Job.ResultTTL,
		JanitorInterval: cfg.Job.JanitorInterval,
		MaxAddresses:    cfg.Job.MaxAddresses,
		MaxSamples:      cfg.Profile.MaxSamples,
		MinTransactions: cfg.Profile.MinTransactions,
	}, job.Dependencies{
		Source:   source,
		Analyzer: analyzer,
		Broker:   broker,
		Cache:    cache,
		Profiles: profiles,
		Archive:  archive,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job orchestrator")
	}

	lookupCfg := service.DefaultLookupConfig()
	lookupCfg.MaxSamples = cfg.Profile.MaxSamples
	lookupCfg.MinTransactions = cfg.Profile.MinTransactions
	lookupCfg.ProfileMaxAge = cfg.Profile.MaxAge
	lookups := service.NewLookupService(lookupCfg, source, ingest, analyzer, cache, profiles)

	logger.Info("Services initialized")

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.AllowedOrigins = cfg.Server.AllowedOrigins
	serverConfig.RateLimitRPS = cfg.RateLimit.RequestsPerSecond
	serverConfig.RateLimitBurst = cfg.RateLimit.Burst

	server := api.NewServer(serverConfig, api.Dependencies{
		Wallets:    lookups,
		Jobs:       orchestrator,
		CacheStats: cache,
		Broker:     broker,
		Budget:     budgetStats,
		Health:     health,
		Logger:     logger,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	orchestrator.Start(ctx)

	// Start server in a goroutine
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Jobs did not wind down in time")
	}
	_ = logger.Sync()

	logger.Info("Server exited")
}

// newSourceBudget shares the budget through Redis when it is configured so
// every instance draws from the same pools.
func newSourceBudget(cfg *config.Config, redisCache *storage.RedisCache) (ratelimit.Budget, error) {
	if redisCache != nil {
		return ratelimit.NewRedisBudgetTracker(&ratelimit.RedisBudgetTrackerConfig{
			Redis:          redisCache.Client(),
			TotalBudget:    cfg.Source.BudgetTotal,
			ReservedBudget: cfg.Source.BudgetReserved,
			WindowSize:     cfg.Source.BudgetWindow,
			KeyTTL:         2 * cfg.Source.BudgetWindow,
			KeyPrefix:      cfg.Cache.KeyPrefix + ":",
		})
	}
	return ratelimit.NewLocalBudget(cfg.Source.BudgetTotal, cfg.Source.BudgetReserved, cfg.Source.BudgetWindow)
}

