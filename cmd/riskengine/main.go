package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papermarkets/riskengine/api"
	"github.com/papermarkets/riskengine/internal/clock"
	"github.com/papermarkets/riskengine/internal/config"
	"github.com/papermarkets/riskengine/internal/database"
	"github.com/papermarkets/riskengine/internal/ledger"
	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/internal/marketdata"
	"github.com/papermarkets/riskengine/internal/monitor"
	"github.com/papermarkets/riskengine/internal/volatility"
	"github.com/papermarkets/riskengine/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	configPath := os.Getenv("RISKENGINE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}
	store, err := ledger.NewGormStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	clientOpts := []marketdata.ClientOption{
		marketdata.WithTimeout(cfg.MarketData.Timeout),
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		clientOpts = append(clientOpts, marketdata.WithQuoteCache(
			marketdata.NewQuoteCache(rdb, cfg.MarketData.QuoteTTL, zapLogger)))
		zapLogger.Info("Quote cache enabled", zap.String("addr", cfg.Redis.Addr))
	}
	provider := marketdata.NewClient(cfg.MarketData.SidecarURL, zapLogger, clientOpts...)

	clk := clock.System{}
	estimator := volatility.NewEstimator(provider, cfg.EstimatorConfig(), clk, zapLogger)
	calc := margin.NewCalculator(cfg.Tiers(), cfg.Thresholds())
	svc := ledger.NewService(store, provider, estimator, calc, clk, zapLogger, ledger.Config{
		InitialCash: decimal.NewFromFloat(cfg.Ledger.InitialCash),
	})
	mon := monitor.New(svc, nil, clk, zapLogger, cfg.SweepConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go mon.Run(ctx)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(zapLogger, svc, mon).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		zapLogger.Info("Starting API server",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Forced shutdown", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}
