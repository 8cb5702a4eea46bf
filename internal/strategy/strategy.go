// Package strategy maps a reinvestment intent to a concrete bin allocation
// around the pool's active bin. Selection is pure: it never calls external
// services and has no side effects.
package strategy

import (
	"fmt"
	"strings"
)

// Kind identifies the shape used to distribute reinvested liquidity across bins.
type Kind string

const (
	// Spot spreads liquidity uniformly across the bin range
	Spot Kind = "spot"
	// Curve concentrates liquidity around the active bin in a bell shape
	Curve Kind = "curve"
	// BidAskWide weights liquidity toward the edges of the bin range
	BidAskWide Kind = "bid_ask_wide"
)

// Shape is the distribution curve handed to the gateway with an allocation plan.
type Shape string

const (
	ShapeUniform      Shape = "uniform"
	ShapeBell         Shape = "bell"
	ShapeEdgeWeighted Shape = "edge_weighted"
)

// UnsupportedKindError is returned for strategy kinds outside the declared enum.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported strategy kind: %q", e.Kind)
}

// ParseKind parses a strategy kind from its string form. It accepts the
// canonical names and is case-insensitive; anything else is rejected, never
// silently defaulted.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Spot:
		return Spot, nil
	case Curve:
		return Curve, nil
	case BidAskWide:
		return BidAskWide, nil
	}
	return "", &UnsupportedKindError{Kind: s}
}

// Intent is the caller-supplied configuration for one compounding cycle.
type Intent struct {
	Strategy    Kind
	Padding     int
	SwapOnEntry bool
}

// Validate checks the intent before any external call is made.
func (i Intent) Validate() error {
	if _, err := ParseKind(string(i.Strategy)); err != nil {
		return err
	}
	if i.Padding < 0 {
		return fmt.Errorf("padding must not be negative, got %d", i.Padding)
	}
	return nil
}

// Plan is the bin range and distribution shape for one reinvestment.
// Amounts and the swap flag are filled in by the engine from the claim
// result and intent, not by the selector.
type Plan struct {
	MinBin      int32
	MaxBin      int32
	Shape       Shape
	AmountX     uint64
	AmountY     uint64
	SwapOnEntry bool
}

// Select computes the allocation plan for a strategy kind around the active
// bin. All kinds share the same symmetric range; they differ only in the
// distribution shape the gateway applies across it.
func Select(kind Kind, activeBin int32, padding int) (Plan, error) {
	var shape Shape
	switch kind {
	case Spot:
		shape = ShapeUniform
	case Curve:
		shape = ShapeBell
	case BidAskWide:
		shape = ShapeEdgeWeighted
	default:
		return Plan{}, &UnsupportedKindError{Kind: string(kind)}
	}

	return Plan{
		MinBin: activeBin - int32(padding),
		MaxBin: activeBin + int32(padding),
		Shape:  shape,
	}, nil
}
