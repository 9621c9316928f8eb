package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-agents-go/internal/config"
	"perp-agents-go/internal/exchange"
	"perp-agents-go/internal/executor"
	"perp-agents-go/internal/fleet"
	"perp-agents-go/internal/ledger"
	"perp-agents-go/internal/llm"
	"perp-agents-go/internal/logger"
	"perp-agents-go/internal/market"
	"perp-agents-go/internal/orders"
	"perp-agents-go/internal/precision"
	"perp-agents-go/internal/server"
	"perp-agents-go/internal/store"
	"perp-agents-go/internal/syncer"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./configs", "directory containing config.yml")
	agentID := flag.String("agent", "", "run a single agent by id instead of the whole fleet")
	serve := flag.Bool("serve", false, "keep the sync loop and status server running after the fleet run")
	flag.Parse()

	// Load application configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize clients
	exchangeClient := exchange.NewRestClient(&cfg.Exchange, log)
	storeClient := store.NewRestStore(cfg.Store.BaseURL, cfg.Store.ApiKey, log)
	llmClient := llm.NewClient(&cfg.LLM, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Connectivity probe before trading anything.
	if _, err := exchangeClient.GetServerTime(ctx); err != nil {
		log.Fatal("Failed to connect to exchange API", zap.Error(err))
	}
	log.Info("Successfully connected to exchange API.")

	// Assemble the trading core.
	resolver := precision.NewResolver(exchangeClient, log)
	adapter := orders.NewAdapter(exchangeClient, resolver, cfg.Trading.MaxLeverage, log)
	positionLedger := ledger.NewLedger(storeClient, log)
	marketProvider := market.NewExchangeProvider(exchangeClient, log)

	exec := executor.NewExecutor(storeClient, llmClient, adapter, positionLedger,
		marketProvider, cfg.Trading.Symbols, cfg.Trading.MinConfidence, log)
	orchestrator := fleet.NewOrchestrator(storeClient, exec,
		time.Duration(cfg.Fleet.StaggerBaseSeconds)*time.Second,
		time.Duration(cfg.Fleet.StaggerJitterSeconds)*time.Second,
		log)

	// Read-side sync and status surface.
	accountSync := syncer.NewSyncer(exchangeClient, storeClient,
		time.Duration(cfg.Sync.IntervalSeconds)*time.Second,
		time.Duration(cfg.Sync.MaxIntervalSeconds)*time.Second,
		log)
	go accountSync.Run(ctx)

	apiServer := server.NewAPIServer(cfg.Server.Port, accountSync, log)
	apiServer.Start()

	// Run the requested job.
	var results []executor.Result
	if *agentID != "" {
		result, err := orchestrator.RunOne(ctx, *agentID)
		if err != nil {
			log.Fatal("Agent run failed", zap.String("agent_id", *agentID), zap.Error(err))
		}
		results = []executor.Result{*result}
	} else {
		results, err = orchestrator.RunAll(ctx)
		if err != nil {
			log.Fatal("Fleet run failed", zap.Error(err))
		}
	}

	// Report the structured per-agent results to the caller.
	encoded, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		log.Error("Failed to encode results", zap.Error(err))
	} else {
		fmt.Println(string(encoded))
	}

	if *serve {
		<-ctx.Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	log.Info("Fleet run complete.")
}
