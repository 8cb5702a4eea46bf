// Package engine drives the claim/reinvest state machine for liquidity
// positions. At most one cycle runs per position at a time; every phase
// transition is persisted before the next external call so a crashed cycle
// can be resumed from its last checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/logger"
	"github.com/wnt/compoundr/internal/metrics"
	"github.com/wnt/compoundr/internal/oracle"
	"github.com/wnt/compoundr/internal/store"
	"github.com/wnt/compoundr/internal/strategy"
)

var (
	// ErrAlreadyRunning means a cycle is in flight for the position. Caller
	// error, not retryable by the engine; re-submit after it terminates.
	ErrAlreadyRunning = errors.New("cycle already running for position")

	// ErrInvalidIntent means the reinvest intent was rejected before any
	// external call was made.
	ErrInvalidIntent = errors.New("invalid reinvest intent")

	// ErrUnknownPosition means the position key does not resolve to an open
	// position on the gateway.
	ErrUnknownPosition = errors.New("position not found")
)

// Config holds engine tuning parameters
type Config struct {
	// MaxAttempts bounds retries of a single phase on retryable errors
	MaxAttempts int
	// GatewayTimeout bounds each individual gateway or oracle call
	GatewayTimeout time.Duration
}

// Engine orchestrates compounding cycles over a position gateway, a cycle
// store and an advisory price oracle.
type Engine struct {
	gw     gateway.PositionGateway
	store  store.CycleStore
	oracle oracle.PriceOracle // may be nil: valuation is advisory
	cfg    Config
	logger zerolog.Logger

	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a compounding engine. oracle may be nil, in which case
// valuation and swap-on-entry are skipped.
func New(gw gateway.PositionGateway, cycleStore store.CycleStore, priceOracle oracle.PriceOracle, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	return &Engine{
		gw:     gw,
		store:  cycleStore,
		oracle: priceOracle,
		cfg:    cfg,
		logger: log.With().Str("component", "engine").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// RunCycle executes one claim/reinvest cycle for the position identified by
// pool and owner. It fails fast with ErrAlreadyRunning if a cycle is in
// flight for the same position.
func (e *Engine) RunCycle(ctx context.Context, pool, owner string, intent strategy.Intent) (*store.CycleRecord, error) {
	if err := intent.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	key := gateway.PositionKey(pool, owner)
	lock := e.positionLock(key)
	if !lock.TryLock() {
		metrics.RecordCycleRejected()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	defer lock.Unlock()

	pos, err := e.resolvePosition(ctx, nil, pool, owner, logger.WithPosition(e.logger, key))
	if err != nil {
		return nil, err
	}

	rec, err := e.store.Begin(ctx, pool, owner)
	if err != nil {
		if errors.Is(err, store.ErrCycleActive) {
			metrics.RecordCycleRejected()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
		}
		return nil, fmt.Errorf("failed to begin cycle: %w", err)
	}

	return e.run(ctx, rec, pos, intent)
}

// Resume continues all cycles left in a non-terminal phase, typically after
// a restart. A record at Claiming re-runs the claim step (the Claimed
// checkpoint was never persisted); Claimed and Reinvesting resume directly
// into reinvestment and never re-claim.
func (e *Engine) Resume(ctx context.Context, intent strategy.Intent) error {
	if err := intent.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active cycles: %w", err)
	}

	for _, rec := range active {
		log := logger.WithPosition(e.logger, rec.PositionKey)
		log.Info().Str("phase", string(rec.Phase)).Msg("Resuming interrupted cycle")

		lock := e.positionLock(rec.PositionKey)
		if !lock.TryLock() {
			log.Warn().Msg("Position busy, skipping resume")
			continue
		}

		pos, err := e.resolvePosition(ctx, rec, rec.PoolAddress, rec.Owner, log)
		if err != nil {
			e.fail(ctx, rec, err, log)
			lock.Unlock()
			continue
		}

		if _, err := e.run(ctx, rec, pos, intent); err != nil {
			log.Error().Err(err).Msg("Failed to resume cycle")
		}
		lock.Unlock()
	}

	return nil
}

// run drives a cycle from the record's current phase to a terminal one
func (e *Engine) run(ctx context.Context, rec *store.CycleRecord, pos gateway.Position, intent strategy.Intent) (*store.CycleRecord, error) {
	log := logger.WithPosition(e.logger, rec.PositionKey)
	startTime := time.Now()

	if rec.Phase == store.PhaseClaiming {
		if err := e.claim(ctx, rec, pos, log); err != nil {
			metrics.RecordCycle("failed", time.Since(startTime).Seconds())
			return rec, err
		}
		if rec.Phase == store.PhaseCompleted {
			// Nothing to claim, cycle ends as a no-op
			metrics.RecordCycle("noop", time.Since(startTime).Seconds())
			return rec, nil
		}
	}

	if err := e.reinvest(ctx, rec, pos, intent, log); err != nil {
		metrics.RecordCycle("failed", time.Since(startTime).Seconds())
		return rec, err
	}

	duration := time.Since(startTime)
	metrics.RecordCycle("completed", duration.Seconds())
	log.Info().Dur("duration", duration).Msg("Cycle completed")

	return rec, nil
}

// claim executes the Claiming phase and persists the Claimed checkpoint.
// Once Claimed is persisted the claim is never re-attempted.
func (e *Engine) claim(ctx context.Context, rec *store.CycleRecord, pos gateway.Position, log zerolog.Logger) error {
	phaseStart := time.Now()

	var claim gateway.ClaimResult
	err := e.withRetry(ctx, rec, "claim", log, func(callCtx context.Context) error {
		var claimErr error
		claim, claimErr = e.gw.Claim(callCtx, pos)
		return claimErr
	})
	if err != nil {
		return e.fail(ctx, rec, err, log)
	}
	metrics.RecordPhase("claim", time.Since(phaseStart).Seconds())

	rec.Claim = &claim

	if claim.Empty() {
		log.Info().Msg("No fees to harvest")
		rec.Phase = store.PhaseCompleted
		if err := e.store.Update(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist no-op completion: %w", err)
		}
		return nil
	}

	// Persist the checkpoint before anything else happens
	rec.Phase = store.PhaseClaimed
	if err := e.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist claim checkpoint: %w", err)
	}

	log.Info().
		Uint64("amount_x", claim.AmountX).
		Uint64("amount_y", claim.AmountY).
		Int("claim_txs", len(claim.TxRefs)).
		Msg("Fees claimed")

	e.logValuation(ctx, rec, pos, log)
	return nil
}

// reinvest executes the Reinvesting phase using the persisted claim result
func (e *Engine) reinvest(ctx context.Context, rec *store.CycleRecord, pos gateway.Position, intent strategy.Intent, log zerolog.Logger) error {
	if rec.Claim == nil {
		return e.fail(ctx, rec, fmt.Errorf("%w: record in phase %s has no claim result", gateway.ErrProtocol, rec.Phase), log)
	}

	var activeBin int32
	err := e.withRetry(ctx, rec, "active_bin", log, func(callCtx context.Context) error {
		var binErr error
		activeBin, binErr = e.gw.GetActiveBin(callCtx, pos.PoolAddress)
		return binErr
	})
	if err != nil {
		return e.fail(ctx, rec, err, log)
	}

	plan, err := strategy.Select(intent.Strategy, activeBin, intent.Padding)
	if err != nil {
		return e.fail(ctx, rec, fmt.Errorf("%w: %v", ErrInvalidIntent, err), log)
	}
	plan.AmountX = rec.Claim.AmountX
	plan.AmountY = rec.Claim.AmountY
	plan.SwapOnEntry = e.resolveSwapOnEntry(ctx, rec, intent, log)

	rec.Phase = store.PhaseReinvesting
	if err := e.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist reinvesting phase: %w", err)
	}

	phaseStart := time.Now()
	var txRef string
	err = e.withRetry(ctx, rec, "reinvest", log, func(callCtx context.Context) error {
		var reinvestErr error
		txRef, reinvestErr = e.gw.Reinvest(callCtx, pos, plan)
		return reinvestErr
	})
	if err != nil {
		return e.fail(ctx, rec, err, log)
	}
	metrics.RecordPhase("reinvest", time.Since(phaseStart).Seconds())

	rec.ReinvestTxRef = txRef
	rec.Phase = store.PhaseCompleted
	if err := e.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}

	log.Info().
		Str("tx_ref", txRef).
		Int32("min_bin", plan.MinBin).
		Int32("max_bin", plan.MaxBin).
		Str("shape", string(plan.Shape)).
		Msg("Fees reinvested")

	return nil
}

// fail persists the Failed phase with the error before surfacing it
func (e *Engine) fail(ctx context.Context, rec *store.CycleRecord, cause error, log zerolog.Logger) error {
	rec.Phase = store.PhaseFailed
	rec.LastError = cause.Error()
	if err := e.store.Update(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Failed to persist cycle failure")
	}

	log.Error().Err(cause).Str("phase", "failed").Msg("Cycle failed")
	return cause
}

// resolveSwapOnEntry degrades swap-on-entry to false when no fresh price is
// available; the swap step depends on a usable spot price.
func (e *Engine) resolveSwapOnEntry(ctx context.Context, rec *store.CycleRecord, intent strategy.Intent, log zerolog.Logger) bool {
	if !intent.SwapOnEntry {
		return false
	}
	if e.oracle == nil {
		log.Warn().Msg("Swap on entry requested but no price oracle configured, proceeding without swap")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	if _, err := e.oracle.GetPrice(callCtx, rec.PoolAddress); err != nil {
		log.Warn().Err(err).Msg("No fresh price for swap on entry, proceeding without swap")
		return false
	}
	return true
}

// logValuation logs the USD value of the claimed fees when a price is
// available. Price failures never affect the cycle.
func (e *Engine) logValuation(ctx context.Context, rec *store.CycleRecord, pos gateway.Position, log zerolog.Logger) {
	if e.oracle == nil || rec.Claim == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	price, err := e.oracle.GetPrice(callCtx, pos.PoolAddress)
	if err != nil {
		log.Debug().Err(err).Msg("Skipping claim valuation")
		return
	}

	valueX := decimal.NewFromUint64(rec.Claim.AmountX).Mul(price.Value)
	log.Info().
		Str("price", price.Value.String()).
		Str("claimed_x_value", valueX.String()).
		Time("price_as_of", price.AsOf).
		Msg("Claim valuation")
}

// resolvePosition refreshes the position projection from the gateway.
// Enumeration is retried like any other gateway call so a connectivity blip
// cannot fail a cycle whose claim already succeeded. rec may be nil when no
// cycle record exists yet.
func (e *Engine) resolvePosition(ctx context.Context, rec *store.CycleRecord, pool, owner string, log zerolog.Logger) (gateway.Position, error) {
	var positions []gateway.Position
	err := e.withRetry(ctx, rec, "list_positions", log, func(callCtx context.Context) error {
		var listErr error
		positions, listErr = e.gw.ListPositions(callCtx, owner)
		return listErr
	})
	if err != nil {
		return gateway.Position{}, fmt.Errorf("failed to list positions: %w", err)
	}

	for _, pos := range positions {
		if pos.PoolAddress == pool {
			return pos, nil
		}
	}
	return gateway.Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, gateway.PositionKey(pool, owner))
}

// positionLock returns the exclusive lock for a position key
func (e *Engine) positionLock(key string) *sync.Mutex {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}
