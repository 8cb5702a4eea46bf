package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/wnt/compoundr/internal/config"
	"github.com/wnt/compoundr/internal/engine"
	"github.com/wnt/compoundr/internal/gateway/dlmm"
	"github.com/wnt/compoundr/internal/logger"
	"github.com/wnt/compoundr/internal/oracle"
	"github.com/wnt/compoundr/internal/rpc"
	"github.com/wnt/compoundr/internal/store"
	"github.com/wnt/compoundr/internal/strategy"
)

// strike runs a single compounding cycle for one position from the command
// line. State lives in memory only, so there is nothing to resume; this is a
// manual tool for testing and one-off compounds.
func main() {
	var pool string
	var owner string
	var strategyName string
	var padding int
	var swapOnEntry bool
	var skipConfirm bool

	flag.StringVar(&pool, "pool", "", "DLMM pool address (required)")
	flag.StringVar(&owner, "owner", "", "Position owner wallet address (required)")
	flag.StringVar(&strategyName, "strategy", "spot", "Reinvest strategy: spot, curve or bid_ask_wide")
	flag.IntVar(&padding, "padding", 5, "Bins on each side of the active bin")
	flag.BoolVar(&swapOnEntry, "swap", false, "Rebalance claimed amounts before depositing")
	flag.BoolVar(&skipConfirm, "skip-confirm", false, "Do not wait for on-chain confirmation")
	flag.Parse()

	if pool == "" || owner == "" {
		fmt.Println("Usage: go run main.go -pool <pool_address> -owner <wallet_address> [-strategy spot] [-padding 5] [-swap]")
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	kind, err := strategy.ParseKind(strategyName)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	intent := strategy.Intent{
		Strategy:    kind,
		Padding:     padding,
		SwapOnEntry: swapOnEntry,
	}
	if err := intent.Validate(); err != nil {
		log.Fatalf("❌ Invalid intent: %v", err)
	}

	fmt.Printf("🎯 Pool: %s\n", pool)
	fmt.Printf("💳 Owner: %s\n", owner)
	fmt.Printf("📐 Strategy: %s, padding %d, swap on entry %v\n", kind, padding, swapOnEntry)
	fmt.Println(strings.Repeat("=", 80))

	appLogger := logger.New(cfg.LogLevel)

	rpcPool := rpc.NewPool(cfg.RPCEndpoints, appLogger)

	var opts []dlmm.Option
	if skipConfirm {
		opts = append(opts, dlmm.WithoutConfirmation())
	}
	gw := dlmm.NewClient(cfg.DLMMAPIURL, rpcPool, cfg.GatewayTimeout, appLogger, opts...)

	var priceOracle oracle.PriceOracle
	if len(cfg.PriceFeedIDs) > 0 {
		priceOracle = oracle.NewHermesClient(cfg.HermesURL, cfg.PriceFeedIDs, cfg.PriceMaxAge, appLogger)
	}

	eng := engine.New(gw, store.NewMemoryStore(), priceOracle, engine.Config{
		MaxAttempts:    cfg.MaxAttempts,
		GatewayTimeout: cfg.GatewayTimeout,
	}, appLogger)

	ctx := context.Background()
	startTime := time.Now()

	rec, err := eng.RunCycle(ctx, pool, owner, intent)
	duration := time.Since(startTime)

	fmt.Println(strings.Repeat("=", 80))

	if err != nil {
		if errors.Is(err, engine.ErrUnknownPosition) {
			log.Fatalf("❌ No open position for this pool and owner")
		}
		log.Fatalf("❌ Cycle failed after %s: %v", duration.Round(time.Millisecond), err)
	}

	if rec.Claim != nil && rec.Claim.Empty() {
		fmt.Println("📭 No fees to claim, nothing to do")
		return
	}

	fmt.Printf("✅ Cycle completed in %s\n", duration.Round(time.Millisecond))
	if rec.Claim != nil {
		fmt.Printf("💰 Claimed: %d X / %d Y across %d transaction(s)\n",
			rec.Claim.AmountX, rec.Claim.AmountY, len(rec.Claim.TxRefs))
	}
	fmt.Printf("🔁 Reinvest transaction: %s\n", rec.ReinvestTxRef)
	fmt.Printf("🔢 Gateway attempts: %d\n", rec.Attempts)
}
