package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/compoundr/internal/config"
	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/logger"
	"github.com/wnt/compoundr/internal/queue"
)

// Scheduler periodically enumerates the configured wallets' open positions
// and enqueues each one for a compounding cycle.
type Scheduler struct {
	config config.Config
	queue  *queue.Client
	gw     gateway.PositionGateway
	logger zerolog.Logger
}

// NewScheduler creates a new cycle scheduler
func NewScheduler(cfg config.Config, queueClient *queue.Client, gw gateway.PositionGateway, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		queue:  queueClient,
		gw:     gw,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs the scheduling loop until the context is cancelled. Positions
// are enqueued once immediately and then on every cycle interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info().
		Int("wallets", len(s.config.Wallets)).
		Dur("interval", s.config.CycleInterval).
		Msg("Starting scheduler")

	if err := s.enqueueAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Initial position enumeration failed")
	}

	ticker := time.NewTicker(s.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler received shutdown signal")
			return ctx.Err()
		case <-ticker.C:
			if err := s.enqueueAll(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Position enumeration failed")
			}
		}
	}
}

// enqueueAll pushes every open position of every configured wallet onto the
// queue. Positions already queued keep their existing entry; ZAdd just
// refreshes the score.
func (s *Scheduler) enqueueAll(ctx context.Context) error {
	enqueued := 0

	for _, wallet := range s.config.Wallets {
		positions, err := s.gw.ListPositions(ctx, wallet)
		if err != nil {
			s.logger.Error().Err(err).Str("wallet", wallet).Msg("Failed to list positions for wallet")
			continue
		}

		for _, pos := range positions {
			key := pos.Key()
			if err := s.queue.PushPosition(ctx, key, float64(time.Now().Unix())); err != nil {
				log := logger.WithPool(s.logger, pos.PoolAddress)
				log.Error().
					Err(err).
					Str("owner", pos.Owner).
					Msg("Failed to enqueue position")
				continue
			}
			enqueued++
		}
	}

	s.logger.Info().Int("enqueued", enqueued).Msg("Scheduled compounding cycles")
	return nil
}
