package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"fleetpricing/internal/api"
	"fleetpricing/internal/config"
	"fleetpricing/internal/logger"
	"fleetpricing/internal/market"
	"fleetpricing/internal/pricing"
	"fleetpricing/internal/rates"
	"fleetpricing/internal/scheduler"
	"fleetpricing/internal/signals"
	"fleetpricing/internal/store"
)

var version = "dev"

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	flag.Parse()

	logger.Banner(version)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("CONFIG", fmt.Sprintf("Failed to load config: %v", err))
		os.Exit(1)
	}

	var st store.Store
	if cfg.UseMockStore {
		logger.Warn("STORE", "using in-memory store, data will not persist")
		st = store.NewMemStore()
	} else {
		st, err = store.OpenSQLite(cfg.DBPath)
		if err != nil {
			logger.Error("STORE", fmt.Sprintf("Failed to open %s: %v", cfg.DBPath, err))
			os.Exit(1)
		}
	}
	defer st.Close()

	branches := store.NewBranchCache(st)
	fetcher := market.NewHTTPFetcher(st, os.Getenv("SCRAPE_DEBUG") != "")
	orchestrator := market.NewOrchestrator(st, branches, fetcher, cfg.ScrapeFanout)
	aggregator := market.NewAggregator(st, branches)
	reader := market.NewReader(st)
	sig := signals.NewService(st)

	model := pricing.NewRegistryModel(st, "daily_rate")
	engine := pricing.NewEngine(
		st, model, reader, sig,
		cfg.PricingCacheEnabled,
		time.Duration(cfg.PricingCacheTTLMinutes)*time.Minute,
		cfg.ScrapeFanout,
	)
	recommender := pricing.NewRecommender(st, model, reader, sig)
	mutator := rates.NewMutator(st)

	sched, err := scheduler.New(cfg, st, orchestrator, aggregator, sig)
	if err != nil {
		logger.Error("SCHEDULER", fmt.Sprintf("Failed to initialize: %v", err))
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(cfg, st, engine, recommender, mutator, sched)

	addr := fmt.Sprintf("0.0.0.0:%d", *port)
	logger.Server(addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("Server", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
}
