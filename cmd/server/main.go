// Command server runs the gateway: it loads the configuration, connects
// Redis and Postgres, assembles the admission pipeline and the forwarder,
// and serves the proxied endpoints until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/agentpool"
	"github.com/routegate/routegate/internal/api"
	"github.com/routegate/routegate/internal/circuit"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/forwarder"
	"github.com/routegate/routegate/internal/guard"
	"github.com/routegate/routegate/internal/logging"
	"github.com/routegate/routegate/internal/pricing"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/reqfilter"
	"github.com/routegate/routegate/internal/store"
	"github.com/routegate/routegate/internal/watcher"

	// Register every dialect translation pair.
	_ "github.com/routegate/routegate/internal/translator"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.ApplyLevel(cfg.Debug)
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err = rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
	}
	defer func() { _ = rdb.Close() }()

	db, err := store.OpenDB(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	catalog := store.NewCatalog(db)
	keys := store.NewKeyRepository(db)
	requests := store.NewMessageRequestRepository(db)
	sessions := store.NewSessionStore(rdb)
	recorder := store.NewRecorder(requests, config.MessageRequestWriteMode())
	defer recorder.Close()

	limits, err := ratelimit.NewStore(rdb, requests)
	if err != nil {
		log.Fatalf("failed to build rate-limit store: %v", err)
	}
	checker := ratelimit.NewChecker(limits)

	breaker := circuit.NewBreaker(rdb, breakerConfig(cfg))
	registry := provider.NewRegistry(catalog, cfg.RegistryRefresh())
	selector := provider.NewSelector(registry, checker, breaker)

	rules := proxyerr.NewEngine(catalog, rdb)
	if err = rules.Load(ctx); err != nil {
		log.Warnf("error rules unavailable at startup: %v", err)
	}
	go rules.Watch(ctx)

	filters := reqfilter.NewEngine(catalog, rdb)
	if err = filters.Load(ctx); err != nil {
		log.Warnf("request filters unavailable at startup: %v", err)
	}
	go filters.Watch(ctx)

	prices := pricing.NewTable(catalog)

	pool, err := agentpool.New(agentpool.Options{
		MaxAgents:      cfg.AgentPool.MaxTotalAgents,
		TTL:            time.Duration(cfg.AgentPool.TTLSeconds) * time.Second,
		ConnectTimeout: config.FetchConnectTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to build agent pool: %v", err)
	}

	fw := forwarder.New(forwarder.Deps{
		Config:   cfg,
		Pool:     pool,
		Selector: selector,
		Breaker:  breaker,
		Rules:    rules,
		Prices:   prices,
		Limits:   limits,
		Sessions: sessions,
		Recorder: recorder,
	})

	proxy := api.NewProxyHandler(guard.Deps{
		Config:   cfg,
		Keys:     keys,
		Sessions: sessions,
		Recorder: recorder,
		Checker:  checker,
		Selector: selector,
		Breaker:  breaker,
		Filters:  filters,
	}, fw, registry)
	server := api.NewServer(cfg, proxy)

	w, err := watcher.New(configPath, func(next *config.Config) {
		logging.ApplyLevel(next.Debug)
		registry.Invalidate()
		prices.Invalidate()
		if err := rules.Load(ctx); err != nil {
			log.Warnf("config reload: error rules: %v", err)
		}
		if err := filters.Load(ctx); err != nil {
			log.Warnf("config reload: request filters: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to build config watcher: %v", err)
	}
	if err = w.Start(ctx); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	go func() {
		if err := server.Start(); err != nil {
			log.Errorf("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}

func breakerConfig(cfg *config.Config) circuit.Config {
	out := circuit.DefaultConfig()
	if cfg.CircuitBreaker.FailureThreshold > 0 {
		out.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.FailureWindowSeconds > 0 {
		out.FailureWindow = time.Duration(cfg.CircuitBreaker.FailureWindowSeconds) * time.Second
	}
	if cfg.CircuitBreaker.CooldownSeconds > 0 {
		out.Cooldown = time.Duration(cfg.CircuitBreaker.CooldownSeconds) * time.Second
	}
	if cfg.CircuitBreaker.HalfOpenSuccesses > 0 {
		out.HalfOpenSuccesses = cfg.CircuitBreaker.HalfOpenSuccesses
	}
	return out
}
