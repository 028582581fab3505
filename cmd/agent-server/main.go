// cmd/agent-server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gtm-agents/internal/agents"
	"gtm-agents/internal/common/cache"
	"gtm-agents/internal/common/config"
	"gtm-agents/internal/common/database"
	"gtm-agents/internal/common/events"
	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/observability"
	"gtm-agents/internal/common/resilience"
	"gtm-agents/internal/common/search"
	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting agent server...",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	if err := run(cfg, log); err != nil {
		zapLog.Fatal("agent server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx := context.Background()

	obs, err := observability.New(observability.Options{
		ServiceName:    cfg.App.Name,
		JaegerEndpoint: tracingEndpoint(cfg),
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown()

	// --- Cache (search responses only) ---
	var rdb *database.RedisClient
	if cfg.Cache.Backend == "redis" {
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx); err != nil {
			log.Warn("redis unreachable at startup, search cache will miss", map[string]interface{}{"error": err.Error()})
		}
	}
	searchCache, err := cache.New(cfg.Cache, rdb)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if m, ok := searchCache.(*cache.Memory); ok {
		defer m.Close()
	}

	// --- Capabilities, one breaker each ---
	breaker := func() *resilience.Breaker {
		return resilience.NewBreaker(cfg.Resilience.MaxFailures, config.GetDuration(cfg.Resilience.OpenTimeout))
	}

	searchClient := search.NewClient(&search.Config{
		BaseURL:  cfg.APIs.Search.BaseURL,
		APIKey:   cfg.APIs.Search.APIKey,
		Depth:    cfg.APIs.Search.Depth,
		Timeout:  config.GetDuration(cfg.APIs.Search.Timeout),
		CacheTTL: config.GetDuration(cfg.Cache.TTL),
	}, breaker(), searchCache, log)

	caps := pipeline.Capabilities{Search: searchClient}

	crmClient := hubspot.NewClient(&hubspot.Config{
		BaseURL: cfg.APIs.CRM.BaseURL,
		APIKey:  cfg.APIs.CRM.APIKey,
		Timeout: config.GetDuration(cfg.APIs.CRM.Timeout),
	}, breaker(), log)
	if crmClient.Available() {
		caps.CRM = crmClient
	}

	completer, err := llm.New(ctx, llm.ConfigFrom(cfg), breaker(), log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	caps.LLM = completer

	// --- Handoff events ---
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.Enabled {
		publisher, err = events.NewSNSPublisher(ctx, cfg.Events.Region, cfg.Events.TopicARN)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
	}

	// --- Engine and agents ---
	engine, err := pipeline.NewEngine(caps, pipeline.Options{
		Model:         cfg.APIs.LLM.Model,
		CritiqueModel: cfg.APIs.LLM.CritiqueModel,
		MaxTokens:     cfg.APIs.LLM.MaxTokens,
		Publisher:     publisher,
		Tracer:        obs.Tracer(),
		Recorder:      obs,
	}, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	reg, err := agents.Register(engine, cfg, log)
	if err != nil {
		return err
	}

	timeouts := make(map[string]time.Duration, len(reg.Enabled))
	for _, id := range reg.Enabled {
		timeouts[id] = config.GetDuration(config.GetAgentConfig(cfg, id).Timeout)
	}

	opts := server.Options{
		RequestTimeout: config.GetDuration(cfg.Server.RequestTimeout),
		AgentTimeouts:  timeouts,
		Disabled:       reg.Disabled,
	}
	if rdb != nil {
		opts.Ready = rdb
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.New(engine, opts, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout:      config.GetDuration(cfg.Server.WriteTimeout),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("agent server listening", map[string]interface{}{"addr": srv.Addr, "agents": len(reg.Enabled)})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}
	log.Info("Shutdown signal received, draining requests...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Tracing.JaegerEndpoint
}
