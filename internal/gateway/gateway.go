// Package gateway defines the boundary to the external DLMM protocol:
// position enumeration, fee claims, active-bin reads and liquidity
// reinvestment. Adapters translate transport-level failures into the error
// taxonomy declared here before anything reaches the engine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wnt/compoundr/internal/strategy"
)

var (
	// ErrConnectivity marks transient network, timeout or rate-limit failures.
	// Callers may retry within the same cycle phase.
	ErrConnectivity = errors.New("gateway connectivity error")

	// ErrAuth marks authentication or authorization rejections. Fatal.
	ErrAuth = errors.New("gateway authentication error")

	// ErrProtocol marks protocol-level rejections such as a malformed
	// position. Fatal for the cycle.
	ErrProtocol = errors.New("gateway protocol error")

	// ErrInsufficientBalance means the claimed amount does not cover the
	// pool's deposit minimums. Fatal for the cycle, never retried.
	ErrInsufficientBalance = errors.New("insufficient balance for reinvest")
)

// IsRetryable reports whether an error may be retried within the current
// cycle phase.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// Position is a read-mostly projection of one liquidity deposit, refreshed
// from the gateway on each cycle.
type Position struct {
	Address     string
	PoolAddress string
	Owner       string
	LowerBin    int32
	UpperBin    int32
	Strategy    strategy.Kind
}

// Key returns the uniqueness key for the position's pool/owner pair.
func (p Position) Key() string {
	return PositionKey(p.PoolAddress, p.Owner)
}

// PositionKey builds the uniqueness key for a pool/owner pair.
func PositionKey(pool, owner string) string {
	return fmt.Sprintf("%s:%s", pool, owner)
}

// SplitPositionKey reverses PositionKey. Addresses are base58 and never
// contain the separator.
func SplitPositionKey(key string) (pool, owner string, err error) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed position key: %q", key)
	}
	return key[:idx], key[idx+1:], nil
}

// ClaimResult is the outcome of one fee claim. A DLMM position can require
// one claim transaction per underlying user position, so TxRefs is an
// ordered sequence. Empty TxRefs means nothing was claimed.
type ClaimResult struct {
	AmountX uint64   `json:"amount_x"`
	AmountY uint64   `json:"amount_y"`
	TxRefs  []string `json:"tx_refs"`
}

// Empty reports whether the claim produced no value.
func (r ClaimResult) Empty() bool {
	return len(r.TxRefs) == 0
}

// PositionGateway executes reads and writes against the external DLMM
// protocol on behalf of the engine.
type PositionGateway interface {
	// ListPositions enumerates a wallet's open positions.
	ListPositions(ctx context.Context, owner string) ([]Position, error)

	// Claim withdraws accrued swap fees from a position without closing it.
	// A position with nothing to claim returns an empty ClaimResult, not an
	// error.
	Claim(ctx context.Context, pos Position) (ClaimResult, error)

	// GetActiveBin returns the pool's current active bin ID.
	GetActiveBin(ctx context.Context, poolAddress string) (int32, error)

	// Reinvest deposits liquidity into a position following the plan and
	// returns the transaction reference.
	Reinvest(ctx context.Context, pos Position, plan strategy.Plan) (string, error)
}
