package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/compoundr/internal/config"
	"github.com/wnt/compoundr/internal/engine"
	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/logger"
	"github.com/wnt/compoundr/internal/queue"
	"github.com/wnt/compoundr/internal/strategy"
)

// Worker runs compounding cycles for positions popped from the queue
type Worker struct {
	id      string
	queue   *queue.Client
	engine  *engine.Engine
	intent  strategy.Intent
	logger  zerolog.Logger
	stopped atomic.Bool // written by the manager on scale-down
}

// NewWorker creates a new worker instance
func NewWorker(id string, queueClient *queue.Client, eng *engine.Engine, cfg config.Config, baseLogger zerolog.Logger) *Worker {
	return &Worker{
		id:     id,
		queue:  queueClient,
		engine: eng,
		intent: strategy.Intent{
			Strategy:    strategy.Kind(cfg.DefaultStrategy),
			Padding:     cfg.DefaultPadding,
			SwapOnEntry: cfg.SwapOnEntry,
		},
		logger: logger.WithWorker(baseLogger, id),
	}
}

// Start begins the worker processing loop
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker received shutdown signal")
			return ctx.Err()
		default:
			if w.stopped.Load() {
				w.logger.Info().Msg("Worker stopped")
				return nil
			}

			// Process a single position
			if err := w.processPosition(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Failed to process position")
				// Continue processing other positions even if one fails

				// Brief pause to avoid tight error loops
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Stop signals the worker to stop gracefully
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.logger.Info().Msg("Worker stop signal received")
}

// processPosition pops one position from the queue and runs a compounding
// cycle for it
func (w *Worker) processPosition(ctx context.Context) error {
	key, err := w.queue.PopPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to pop position from queue: %w", err)
	}

	// No position available
	if key == "" {
		// Brief pause when queue is empty to avoid spinning
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	// Mark position as in-flight
	if err := w.queue.SetInFlight(ctx, key, w.id); err != nil {
		w.logger.Error().Err(err).Str("position", key).Msg("Failed to mark position as in-flight")
		// Re-queue the position since we couldn't track it
		if requeueErr := w.queue.PushPosition(ctx, key, 0); requeueErr != nil {
			w.logger.Error().Err(requeueErr).Str("position", key).Msg("Failed to requeue position after in-flight error")
		}
		return err
	}

	positionLogger := logger.WithPosition(w.logger, key)
	startTime := time.Now()

	positionLogger.Info().Msg("Starting compounding cycle")

	err = w.runCycle(ctx, key, positionLogger)
	duration := time.Since(startTime)

	// Remove from in-flight tracking
	if removeErr := w.queue.RemoveInFlight(ctx, key); removeErr != nil {
		positionLogger.Error().Err(removeErr).Msg("Failed to remove position from in-flight tracking")
	}

	if err != nil {
		// Another runner holds the position; drop it, the scheduler will
		// enqueue it again next round
		if errors.Is(err, engine.ErrAlreadyRunning) {
			positionLogger.Debug().Msg("Cycle already in flight, skipping")
			return nil
		}

		positionLogger.Error().Err(err).Dur("duration", duration).Msg("Compounding cycle failed")

		// Re-queue with lower priority (higher score) on failure
		if requeueErr := w.queue.PushPosition(ctx, key, float64(time.Now().Unix())); requeueErr != nil {
			positionLogger.Error().Err(requeueErr).Msg("Failed to requeue failed position")
		}

		return fmt.Errorf("compounding cycle failed: %w", err)
	}

	positionLogger.Info().Dur("duration", duration).Msg("Compounding cycle completed")
	return nil
}

// runCycle resolves the queue key and drives one engine cycle
func (w *Worker) runCycle(ctx context.Context, key string, log zerolog.Logger) error {
	pool, owner, err := gateway.SplitPositionKey(key)
	if err != nil {
		// Malformed keys are dropped, requeueing would loop forever
		log.Error().Err(err).Msg("Dropping malformed queue entry")
		return nil
	}

	rec, err := w.engine.RunCycle(ctx, pool, owner, w.intent)
	if err != nil {
		return err
	}

	log.Debug().
		Uint("cycle_id", rec.ID).
		Str("phase", string(rec.Phase)).
		Msg("Cycle record finalized")

	return nil
}
