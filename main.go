package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridbot/api"
	"gridbot/config"
	"gridbot/engine"
	"gridbot/exchange"
	"gridbot/logger"
	"gridbot/risk"
	"gridbot/store"
)

func main() {
	// .env is optional; environment wins either way
	godotenv.Load()

	configPath := "config.json"
	if v := os.Getenv("GRIDBOT_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	if err := logger.InitWithSimpleConfig(cfg.LogLevel); err != nil {
		logger.Fatalf("logger init failed: %v", err)
	}

	apiKey := os.Getenv("BYBIT_API_KEY")
	apiSecret := os.Getenv("BYBIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		logger.Fatalf("BYBIT_API_KEY and BYBIT_API_SECRET must be set")
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	ex := exchange.NewBybitExchange(apiKey, apiSecret, cfg.Trading.Category)
	guard := risk.New(risk.Config{
		MaxExposurePct:      cfg.Risk.MaxExposurePct,
		KillSwitchThreshold: cfg.Risk.KillSwitchThreshold,
		MaxOrderPct:         cfg.Risk.MaxOrderPct,
	})
	eng := engine.New(cfg, ex, st, guard)

	server := api.NewServer(cfg, eng, st, cfg.APIServerPort)
	if err := server.Start(); err != nil {
		logger.Fatalf("API server start failed: %v", err)
	}

	if err := eng.Start(); err != nil {
		logger.Fatalf("engine start failed: %v", err)
	}

	logger.Infof("gridbot running: %s, profile %s, API on :%d",
		cfg.Trading.Symbol, cfg.Trading.ActiveProfile, cfg.APIServerPort)

	// graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down...")
	if err := eng.Stop(); err != nil {
		logger.Errorf("engine stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("API shutdown: %v", err)
	}

	logger.Infof("bye")
}
