// Package main provides the PowerController daemon's entry point and CLI
// interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
	"github.com/nickelseyspelloc/powercontroller/control"
	"github.com/nickelseyspelloc/powercontroller/httpapi"
	"github.com/nickelseyspelloc/powercontroller/priceapi"
	"github.com/nickelseyspelloc/powercontroller/pricecache"
	"github.com/nickelseyspelloc/powercontroller/scheduleeval"
	"github.com/nickelseyspelloc/powercontroller/statestore"
)

func main() {
	var (
		configFile = flag.String("config", "config.yaml", "Configuration file path")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	fmt.Printf("Starting PowerController with the following configuration:\n")
	fmt.Printf("  Outputs: %d\n", len(cfg.Outputs))
	fmt.Printf("  Polling interval: %s\n", cfg.General.PollingInterval)
	fmt.Printf("  Plan horizon: %s\n", cfg.General.PlanHorizon)
	fmt.Printf("  State file: %s\n", cfg.Files.StateFile)
	if cfg.General.DryRun {
		fmt.Printf("  Mode: DRY-RUN (relay commands will be logged only)\n")
	}
	fmt.Println()

	logger := log.New(os.Stdout, "[POWERCONTROLLER] ", log.LstdFlags)

	store, err := statestore.Open(cfg.Files.StateFile, logger)
	if err != nil {
		logger.Fatalf("failed to open state store: %v", err)
	}

	priceClient := priceapi.NewClient(cfg.AmberAPI.BaseURL, cfg.AmberAPI.APIKey, cfg.AmberAPI.Timeout)
	cacheFile := filepath.Join(cfg.Files.PriceCacheDir, "prices.json")
	priceCache := pricecache.NewCache(priceClient, cacheFile, cfg.AmberAPI.StaleAfter, cfg.AmberAPI.MaxConcurrentErrors, cfg.AmberAPI.DefaultPrice, logger)

	ephemeris := clock.NewEphemeris(cfg.Location.Latitude, cfg.Location.Longitude)
	evaluator := scheduleeval.NewEvaluator(ephemeris)

	loop := control.New(cfg, store, priceCache, evaluator, ephemeris, logger)

	if cfg.WebApp.Port > 0 {
		server := httpapi.New(cfg.WebApp.Port, cfg.WebApp.AccessKey, loop.BuildStatus, loop.SetOverride, loop.Refresh, logger)
		loop.AttachHTTP(server)
		logger.Printf("http command surface listening on :%d", cfg.WebApp.Port)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), cfg.AmberAPI.Timeout+cfg.General.PollingInterval)
	if err := loop.Refresh(startupCtx); err != nil {
		logger.Printf("initial price refresh failed, continuing with cached/default prices: %v", err)
	}
	startupCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go loop.Start(ctx)

	logger.Printf("control loop started, press Ctrl+C to stop...")

	<-sigChan
	logger.Printf("shutdown signal received, stopping control loop...")

	loop.Stop()
	cancel()

	logger.Printf("control loop stopped successfully")
}

func showHelp() {
	fmt.Println("PowerController - minimize electricity cost across relay-controlled loads")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  A long-running control daemon that decides, on every polling tick, which")
	fmt.Println("  relay-controlled electrical loads to energize to minimize electricity cost")
	fmt.Println("  while honoring each load's time/energy/safety constraints. Consumes a")
	fmt.Println("  real-time spot-price feed, drives network relays over HTTP RPC, and")
	fmt.Println("  persists state to survive restarts.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  powercontrollerd [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  powercontrollerd")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  powercontrollerd --config=/etc/powercontroller/config.yaml")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  powercontrollerd -help")
}
