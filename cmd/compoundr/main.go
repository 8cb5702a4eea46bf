package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/wnt/compoundr/internal/config"
	"github.com/wnt/compoundr/internal/database"
	"github.com/wnt/compoundr/internal/engine"
	"github.com/wnt/compoundr/internal/gateway/dlmm"
	"github.com/wnt/compoundr/internal/logger"
	"github.com/wnt/compoundr/internal/oracle"
	"github.com/wnt/compoundr/internal/queue"
	"github.com/wnt/compoundr/internal/rpc"
	"github.com/wnt/compoundr/internal/store"
	"github.com/wnt/compoundr/internal/strategy"
	"github.com/wnt/compoundr/internal/worker"
)

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from the specified file
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No .env file found at %s, using environment variables", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info().Msg("Starting Compoundr")

	db, err := database.Connect(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	cycleStore := store.NewPostgresStore(db)

	queueClient, err := queue.NewClient(cfg.RedisURL, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer queueClient.Close()

	rpcPool := rpc.NewPool(cfg.RPCEndpoints, appLogger)
	gw := dlmm.NewClient(cfg.DLMMAPIURL, rpcPool, cfg.GatewayTimeout, appLogger)

	var priceOracle oracle.PriceOracle
	if len(cfg.PriceFeedIDs) > 0 {
		priceOracle = oracle.NewHermesClient(cfg.HermesURL, cfg.PriceFeedIDs, cfg.PriceMaxAge, appLogger)
	} else {
		appLogger.Warn().Msg("No price feeds configured, valuation and swap-on-entry disabled")
	}

	eng := engine.New(gw, cycleStore, priceOracle, engine.Config{
		MaxAttempts:    cfg.MaxAttempts,
		GatewayTimeout: cfg.GatewayTimeout,
	}, appLogger)

	intent := strategy.Intent{
		Strategy:    strategy.Kind(cfg.DefaultStrategy),
		Padding:     cfg.DefaultPadding,
		SwapOnEntry: cfg.SwapOnEntry,
	}
	if err := intent.Validate(); err != nil {
		appLogger.Fatal().Err(err).Msg("Invalid default cycle intent")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Finish cycles left mid-flight by a previous run before scheduling new work
	if err := eng.Resume(ctx, intent); err != nil {
		appLogger.Error().Err(err).Msg("Cycle recovery failed")
	}

	// Start metrics server
	metricsServer := startMetricsServer(cfg.MetricsPort, appLogger)

	manager := worker.NewManager(cfg, queueClient, eng, rpcPool, appLogger)
	if err := manager.Start(); err != nil {
		appLogger.Fatal().Err(err).Msg("Failed to start worker manager")
	}

	scheduler := worker.NewScheduler(cfg, queueClient, gw, appLogger)
	go func() {
		if err := scheduler.Start(ctx); err != nil && ctx.Err() == nil {
			appLogger.Error().Err(err).Msg("Scheduler exited")
		}
	}()

	appLogger.Info().Msg("Compoundr started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	appLogger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()

	if err := manager.Stop(); err != nil {
		appLogger.Error().Err(err).Msg("Error stopping worker manager")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("Error stopping metrics server")
	}

	appLogger.Info().Msg("Compoundr stopped")
}

// startMetricsServer exposes Prometheus metrics on the configured port
func startMetricsServer(port string, appLogger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		appLogger.Info().Str("port", port).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return server
}
