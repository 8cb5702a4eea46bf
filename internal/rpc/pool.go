package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/compoundr/internal/logger"
	"github.com/wnt/compoundr/internal/metrics"
	"golang.org/x/time/rate"
)

// Pool manages a set of Solana RPC endpoints with load balancing and rate limiting
type Pool struct {
	endpoints []*Endpoint
	current   int
	mutex     sync.Mutex
	logger    zerolog.Logger
}

// Endpoint represents a single RPC endpoint with its own rate limiter
type Endpoint struct {
	URL           string
	client        *solrpc.Client
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

// NewPool creates a new RPC pool with the given endpoints
func NewPool(urls []string, logger zerolog.Logger) *Pool {
	endpoints := make([]*Endpoint, len(urls))

	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:    url,
			client: solrpc.New(url),
			// Rate limit to ~2 req/s per endpoint to stay under free tier limits
			limiter: rate.NewLimiter(rate.Limit(2.0), 5),
			healthy: true,
		}

		metrics.SetRPCEndpointHealth(url, true)
	}

	return &Pool{
		endpoints: endpoints,
		current:   rand.Intn(len(endpoints)),
		logger:    logger.With().Str("component", "rpc_pool").Logger(),
	}
}

// Client returns the next available RPC client using round-robin
func (p *Pool) Client(ctx context.Context) (*solrpc.Client, string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	startIndex := p.current
	for attempts := 0; attempts < len(p.endpoints); attempts++ {
		endpoint := p.endpoints[p.current]
		p.current = (p.current + 1) % len(p.endpoints)

		if !endpoint.available() {
			p.logger.Debug().Str("endpoint", endpoint.URL).Msg("Endpoint unavailable, skipping")
			continue
		}

		if endpoint.limiter.Allow() {
			return endpoint.client, endpoint.URL, nil
		}

		p.logger.Debug().Str("endpoint", endpoint.URL).Msg("Endpoint rate limited, trying next")
	}

	// All endpoints rate limited or unhealthy, wait for the starting one
	endpoint := p.endpoints[startIndex]

	reservation := endpoint.limiter.Reserve()
	if !reservation.OK() {
		return nil, "", fmt.Errorf("rate limiter failed to make reservation")
	}

	if delay := reservation.Delay(); delay > 0 {
		p.logger.Debug().
			Str("endpoint", endpoint.URL).
			Dur("delay", delay).
			Msg("All endpoints busy, waiting for availability")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			reservation.Cancel()
			return nil, "", ctx.Err()
		}
	}

	return endpoint.client, endpoint.URL, nil
}

// available reports whether the endpoint is healthy and not cooling down
func (e *Endpoint) available() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.healthy && time.Now().After(e.cooldownUntil)
}

// MarkUnhealthy marks an endpoint as unhealthy
func (p *Pool) MarkUnhealthy(url string) {
	if e := p.find(url); e != nil {
		e.mutex.Lock()
		e.healthy = false
		e.mutex.Unlock()

		metrics.SetRPCEndpointHealth(url, false)
		log := logger.WithRPCEndpoint(p.logger, url)
		log.Warn().Msg("Marked endpoint as unhealthy")
	}
}

// MarkHealthy marks an endpoint as healthy and clears any cooldown
func (p *Pool) MarkHealthy(url string) {
	if e := p.find(url); e != nil {
		e.mutex.Lock()
		wasUnhealthy := !e.healthy
		e.healthy = true
		e.cooldownUntil = time.Time{}
		e.mutex.Unlock()

		metrics.SetRPCEndpointHealth(url, true)
		if wasUnhealthy {
			log := logger.WithRPCEndpoint(p.logger, url)
			log.Info().Msg("Marked endpoint as healthy")
		}
	}
}

// SetCooldown puts an endpoint in cooldown for the specified duration
func (p *Pool) SetCooldown(url string, duration time.Duration) {
	if e := p.find(url); e != nil {
		e.mutex.Lock()
		e.cooldownUntil = time.Now().Add(duration)
		e.mutex.Unlock()

		log := logger.WithRPCEndpoint(p.logger, url)
		log.Warn().
			Dur("duration", duration).
			Msg("Set endpoint cooldown")
	}
}

// HealthyEndpointCount returns the number of healthy endpoints
func (p *Pool) HealthyEndpointCount() int {
	count := 0
	for _, endpoint := range p.endpoints {
		if endpoint.available() {
			count++
		}
	}
	return count
}

func (p *Pool) find(url string) *Endpoint {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			return endpoint
		}
	}
	return nil
}
