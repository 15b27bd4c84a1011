// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway assembles and runs the ModelGate service: provider
// registry, routing engine, admission policies, analysis pipeline,
// spend ledger, telemetry hub, and the HTTP front end.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modelgate/platform/gateway/analysis"
	"modelgate/platform/gateway/audit"
	"modelgate/platform/gateway/config"
	"modelgate/platform/gateway/cost"
	"modelgate/platform/gateway/dispatch"
	"modelgate/platform/gateway/ledger"
	"modelgate/platform/gateway/llm"
	"modelgate/platform/gateway/llm/anthropic"
	"modelgate/platform/gateway/llm/bedrock"
	"modelgate/platform/gateway/llm/openai"
	"modelgate/platform/gateway/policy"
	"modelgate/platform/gateway/registry"
	"modelgate/platform/gateway/routing"
	"modelgate/platform/gateway/secrets"
	"modelgate/platform/gateway/server"
	"modelgate/platform/gateway/telemetry"
	"modelgate/platform/shared/logger"
)

// Run starts the gateway and blocks until SIGINT or SIGTERM.
func Run() {
	log := logger.New("gateway")

	cfg, err := loadConfig()
	if err != nil {
		log.Error("", "", fmt.Sprintf("Configuration error: %v", err), nil)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secret resolution. AWS Secrets Manager when a region is set,
	// environment variables otherwise.
	var resolver registry.SecretResolver
	if cfg.SecretsRegion != "" {
		awsResolver, err := secrets.NewAWSResolver(ctx, secrets.AWSResolverOptions{Region: cfg.SecretsRegion})
		if err != nil {
			log.Error("", "", fmt.Sprintf("Secrets Manager init failed: %v", err), nil)
			os.Exit(1)
		}
		resolver = awsResolver
	} else {
		resolver = secrets.NewEnvResolver()
	}

	// Provider registry with the built-in adapter factories.
	regOpts := append(cfg.RegistryOptions(), registry.WithSecretResolver(resolver))
	reg := registry.New(regOpts...)
	reg.RegisterFactory(llm.ProviderTypeAnthropic, anthropic.Factory)
	reg.RegisterFactory(llm.ProviderTypeOpenAI, openai.Factory)
	reg.RegisterFactory(llm.ProviderTypeBedrock, bedrock.Factory)

	for i := range cfg.Providers {
		p := cfg.Providers[i]
		if !p.Enabled {
			continue
		}
		if err := reg.Register(ctx, &p); err != nil {
			log.Error("", "", fmt.Sprintf("Provider %s registration failed: %v", p.Name, err), nil)
			os.Exit(1)
		}
	}
	for _, opt := range cfg.BuildOptions() {
		if err := reg.AddOption(opt); err != nil {
			log.Error("", "", fmt.Sprintf("Model option %s/%s rejected: %v", opt.Provider, opt.Model, err), nil)
			os.Exit(1)
		}
	}
	if interval := cfg.Registry.HealthCheckSeconds; interval > 0 {
		reg.StartPeriodicHealthCheck(ctx, time.Duration(interval)*time.Second)
	}

	// Pricing.
	pricing := cost.LoadPricingFromEnv()
	if cfg.PricingFile != "" {
		pricing, err = cost.LoadPricingFromFile(cfg.PricingFile)
		if err != nil {
			log.Error("", "", fmt.Sprintf("Pricing file error: %v", err), nil)
			os.Exit(1)
		}
	}

	// Telemetry hub with heartbeat.
	hub := telemetry.NewHub(logger.New("telemetry"))
	heartbeat := telemetry.DefaultHeartbeatInterval
	if cfg.Telemetry.HeartbeatSeconds > 0 {
		heartbeat = time.Duration(cfg.Telemetry.HeartbeatSeconds) * time.Second
	}
	hub.StartHeartbeat(ctx, heartbeat)

	// Spend ledger and rate limiter. Redis when configured, in-memory
	// otherwise.
	var (
		spend   ledger.Ledger
		limiter ledger.RateLimiter
	)
	if cfg.RedisURL != "" {
		var redisOpts []ledger.RedisOption
		if cfg.Telemetry.CostAlertUSD > 0 {
			redisOpts = append(redisOpts, ledger.WithRedisAlert(cfg.Telemetry.CostAlertUSD, costAlert(hub)))
		}
		redisLedger, err := ledger.NewRedisLedger(cfg.RedisURL, redisOpts...)
		if err != nil {
			log.Error("", "", fmt.Sprintf("Redis ledger init failed: %v", err), nil)
			os.Exit(1)
		}
		defer func() { _ = redisLedger.Close() }()
		spend = redisLedger
		limiter = ledger.NewRedisRateLimiter(redisLedger.Client())
	} else {
		log.Warn("", "", "No Redis URL configured, spend tracking is in-memory only", nil)
		var memOpts []ledger.MemoryOption
		if cfg.Telemetry.CostAlertUSD > 0 {
			memOpts = append(memOpts, ledger.WithAlert(cfg.Telemetry.CostAlertUSD, costAlert(hub)))
		}
		spend = ledger.NewMemoryLedger(memOpts...)
		limiter = ledger.NewMemoryRateLimiter()
	}

	// Admission policy engine.
	policyEngine := policy.NewEngine(cfg.BuildRules(spend), logger.New("policy"))

	// Analysis pipeline. No corroborator is configured by default, so
	// quality assessment reports degraded confidence rather than
	// failing requests.
	pipeline := analysis.NewPipeline(
		analysis.NewScanner(),
		analysis.NewQualityAnalyzer(nil),
		logger.New("analysis"),
	)

	// Usage store.
	usage := audit.NewStore(cfg.DatabaseURL, logger.New("audit"))
	defer usage.Close()

	// Routing and dispatch.
	var routeOpts []routing.EngineOption
	if cfg.Routing.Strategy != "" {
		if s, err := routing.ParseStrategy(cfg.Routing.Strategy); err == nil {
			routeOpts = append(routeOpts, routing.WithStrategy(s))
		} else {
			log.Warn("", "", fmt.Sprintf("Ignoring invalid routing strategy %q", cfg.Routing.Strategy), nil)
		}
	}
	if cfg.Routing.MaxAttempts > 0 {
		routeOpts = append(routeOpts, routing.WithMaxAttempts(cfg.Routing.MaxAttempts))
	}
	if w := cfg.Routing.Weights; w != nil {
		routeOpts = append(routeOpts, routing.WithBalancedWeights(routing.BalancedWeights{
			Cost:      w.Cost,
			Quality:   w.Quality,
			Speed:     w.Speed,
			TaskMatch: w.TaskMatch,
		}))
	}
	router := routing.NewEngine(reg, routeOpts...)

	dispatcher := dispatch.New(reg, router, pricing, logger.New("dispatch"),
		dispatch.WithSpendLedger(spend),
		dispatch.WithTelemetry(hub),
	)

	srv := server.New(server.Deps{
		Config:     cfg,
		Registry:   reg,
		Dispatcher: dispatcher,
		Policies:   policyEngine,
		Pipeline:   pipeline,
		Hub:        hub,
		Spend:      spend,
		Limiter:    limiter,
		Usage:      usage,
		Pricing:    pricing,
		Logger:     logger.New("server"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("", "", fmt.Sprintf("Server failed: %v", err), nil)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("", "", fmt.Sprintf("Received %s, shutting down", sig), nil)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("", "", fmt.Sprintf("Shutdown error: %v", err), nil)
	}
	_ = reg.Close()
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("MODELGATE_CONFIG")
	if path == "" {
		return config.FromEnv(), nil
	}
	return config.Load(path)
}

// costAlert bridges ledger threshold crossings onto the telemetry hub.
func costAlert(hub *telemetry.Hub) ledger.AlertFunc {
	return func(scope policy.Scope, key string, window policy.Window, spendUSD, thresholdUSD float64) {
		hub.Broadcast(telemetry.Event{
			Type:      telemetry.EventCostAlert,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"scope":         scope,
				"key":           key,
				"window":        window,
				"spend_usd":     spendUSD,
				"threshold_usd": thresholdUSD,
			},
		})
	}
}
