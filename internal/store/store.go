// Package store persists per-position cycle records so that a partially
// completed claim/reinvest cycle can be resumed after a crash.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wnt/compoundr/internal/gateway"
)

// Phase is the durable state of one compounding attempt.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseClaiming    Phase = "claiming"
	PhaseClaimed     Phase = "claimed"
	PhaseReinvesting Phase = "reinvesting"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the phase ends a cycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

var (
	// ErrCycleActive means a non-terminal cycle record already exists for
	// the position.
	ErrCycleActive = errors.New("a cycle is already active for this position")

	// ErrNotFound means no cycle record exists for the position.
	ErrNotFound = errors.New("cycle record not found")
)

// CycleRecord is the durable state of one compounding attempt for one
// position. Records are mutated only by the engine goroutine holding the
// position's lock; terminal records are retained for audit.
type CycleRecord struct {
	ID            uint
	PositionKey   string
	PoolAddress   string
	Owner         string
	Phase         Phase
	Claim         *gateway.ClaimResult
	ReinvestTxRef string
	LastError     string
	Attempts      int
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// CycleStore persists cycle records keyed by position.
type CycleStore interface {
	// Begin atomically creates a new record in the Claiming phase for the
	// position, failing with ErrCycleActive if a non-terminal record exists.
	Begin(ctx context.Context, pool, owner string) (*CycleRecord, error)

	// Update persists the record's current state.
	Update(ctx context.Context, rec *CycleRecord) error

	// Latest returns the most recent cycle record for the position key,
	// or ErrNotFound.
	Latest(ctx context.Context, key string) (*CycleRecord, error)

	// ListActive returns all records currently in a non-terminal phase.
	ListActive(ctx context.Context) ([]*CycleRecord, error)
}
