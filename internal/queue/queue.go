package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client wraps Redis operations for the position queue
type Client struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewClient creates a new Redis queue client
func NewClient(redisURL string, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Str("redis_url", redisURL).Msg("Connected to Redis successfully")

	return &Client{
		client: client,
		logger: logger.With().Str("component", "queue").Logger(),
	}, nil
}

// PopPosition removes and returns the position key with the lowest score
// (highest priority)
func (c *Client) PopPosition(ctx context.Context) (string, error) {
	result, err := c.client.ZPopMin(ctx, "position_queue", 1).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil // No positions in queue
		}
		return "", fmt.Errorf("failed to pop position from queue: %w", err)
	}

	if len(result) == 0 {
		return "", nil // No positions in queue
	}

	key := result[0].Member.(string)
	c.logger.Debug().Str("position", key).Msg("Popped position from queue")
	return key, nil
}

// PushPosition adds a position key to the queue with the specified priority
func (c *Client) PushPosition(ctx context.Context, key string, priority float64) error {
	err := c.client.ZAdd(ctx, "position_queue", redis.Z{
		Score:  priority,
		Member: key,
	}).Err()

	if err != nil {
		return fmt.Errorf("failed to push position to queue: %w", err)
	}

	c.logger.Debug().
		Str("position", key).
		Float64("priority", priority).
		Msg("Pushed position to queue")

	return nil
}

// SetInFlight marks a position as being processed by a worker
func (c *Client) SetInFlight(ctx context.Context, key, worker string) error {
	value := fmt.Sprintf("%s,%d", worker, time.Now().Unix())
	err := c.client.HSet(ctx, "position_inflight", key, value).Err()

	if err != nil {
		return fmt.Errorf("failed to set position in-flight: %w", err)
	}

	c.logger.Debug().
		Str("position", key).
		Str("worker", worker).
		Msg("Marked position as in-flight")

	return nil
}

// RemoveInFlight removes a position from the in-flight tracking
func (c *Client) RemoveInFlight(ctx context.Context, key string) error {
	err := c.client.HDel(ctx, "position_inflight", key).Err()

	if err != nil {
		return fmt.Errorf("failed to remove position from in-flight: %w", err)
	}

	c.logger.Debug().Str("position", key).Msg("Removed position from in-flight")
	return nil
}

// GetQueueLength returns the number of positions in the queue
func (c *Client) GetQueueLength(ctx context.Context) (int64, error) {
	length, err := c.client.ZCard(ctx, "position_queue").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// GetInFlightPositions returns all positions currently being processed
func (c *Client) GetInFlightPositions(ctx context.Context) (map[string]string, error) {
	result, err := c.client.HGetAll(ctx, "position_inflight").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight positions: %w", err)
	}
	return result, nil
}

// RequeueStuckPositions moves positions that have been in-flight too long
// back to the queue
func (c *Client) RequeueStuckPositions(ctx context.Context, timeoutMinutes int) error {
	inFlight, err := c.GetInFlightPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get in-flight positions: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(timeoutMinutes) * time.Minute).Unix()
	requeuedCount := 0

	for key, value := range inFlight {
		parts := strings.SplitN(value, ",", 2)
		if len(parts) != 2 {
			c.logger.Warn().Str("position", key).Str("value", value).Msg("Invalid in-flight value format")
			continue
		}

		startTime, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			c.logger.Warn().Str("position", key).Str("value", value).Msg("Invalid timestamp in in-flight value")
			continue
		}

		if startTime < cutoff {
			// Position has been stuck too long, requeue it
			if err := c.PushPosition(ctx, key, 0); err != nil {
				c.logger.Error().Err(err).Str("position", key).Msg("Failed to requeue stuck position")
				continue
			}

			if err := c.RemoveInFlight(ctx, key); err != nil {
				c.logger.Error().Err(err).Str("position", key).Msg("Failed to remove requeued position from in-flight")
			}

			requeuedCount++
			c.logger.Info().
				Str("position", key).
				Str("worker", parts[0]).
				Int64("stuck_minutes", (time.Now().Unix()-startTime)/60).
				Msg("Requeued stuck position")
		}
	}

	if requeuedCount > 0 {
		c.logger.Info().Int("count", requeuedCount).Msg("Requeued stuck positions")
	}

	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
