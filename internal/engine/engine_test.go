package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/oracle"
	"github.com/wnt/compoundr/internal/store"
	"github.com/wnt/compoundr/internal/strategy"
)

// fakeGateway is a scriptable in-memory PositionGateway
type fakeGateway struct {
	mutex     sync.Mutex
	positions []gateway.Position
	activeBin int32

	claimResult gateway.ClaimResult
	claimErrs   []error // consumed one per Claim call, nil entries succeed
	listErrs    []error // consumed one per ListPositions call
	reinvestErr error

	listCalls     atomic.Int32
	claimCalls    atomic.Int32
	reinvestCalls atomic.Int32
	lastPlan      strategy.Plan

	claimBarrier chan struct{} // when set, Claim blocks until closed
}

func (f *fakeGateway) ListPositions(ctx context.Context, owner string) ([]gateway.Position, error) {
	call := f.listCalls.Add(1)

	f.mutex.Lock()
	if int(call) <= len(f.listErrs) {
		if err := f.listErrs[call-1]; err != nil {
			f.mutex.Unlock()
			return nil, err
		}
	}
	f.mutex.Unlock()

	out := make([]gateway.Position, 0, len(f.positions))
	for _, pos := range f.positions {
		if pos.Owner == owner {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (f *fakeGateway) Claim(ctx context.Context, pos gateway.Position) (gateway.ClaimResult, error) {
	call := f.claimCalls.Add(1)

	if f.claimBarrier != nil {
		select {
		case <-f.claimBarrier:
		case <-ctx.Done():
			return gateway.ClaimResult{}, fmt.Errorf("%w: %v", gateway.ErrConnectivity, ctx.Err())
		}
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if int(call) <= len(f.claimErrs) {
		if err := f.claimErrs[call-1]; err != nil {
			return gateway.ClaimResult{}, err
		}
	}
	return f.claimResult, nil
}

func (f *fakeGateway) GetActiveBin(ctx context.Context, poolAddress string) (int32, error) {
	return f.activeBin, nil
}

func (f *fakeGateway) Reinvest(ctx context.Context, pos gateway.Position, plan strategy.Plan) (string, error) {
	f.reinvestCalls.Add(1)
	f.mutex.Lock()
	f.lastPlan = plan
	f.mutex.Unlock()
	if f.reinvestErr != nil {
		return "", f.reinvestErr
	}
	return "reinvest-sig", nil
}

// fakeOracle returns a fixed price or error
type fakeOracle struct {
	price oracle.Price
	err   error
	calls atomic.Int32
}

func (f *fakeOracle) GetPrice(ctx context.Context, symbol string) (oracle.Price, error) {
	f.calls.Add(1)
	if f.err != nil {
		return oracle.Price{}, f.err
	}
	return f.price, nil
}

func newTestGateway() *fakeGateway {
	return &fakeGateway{
		positions: []gateway.Position{{
			Address:     "PosAddr1",
			PoolAddress: "Pool1",
			Owner:       "Owner1",
			LowerBin:    90,
			UpperBin:    110,
			Strategy:    strategy.Spot,
		}},
		activeBin:   100,
		claimResult: gateway.ClaimResult{AmountX: 500, AmountY: 700, TxRefs: []string{"claim-sig"}},
	}
}

func newTestEngine(gw gateway.PositionGateway, s store.CycleStore, o oracle.PriceOracle) *Engine {
	return New(gw, s, o, Config{MaxAttempts: 3, GatewayTimeout: 2 * time.Second}, zerolog.Nop())
}

func spotIntent() strategy.Intent {
	return strategy.Intent{Strategy: strategy.Spot, Padding: 5}
}

func TestRunCycleCompletes(t *testing.T) {
	gw := newTestGateway()
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	rec, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.NoError(t, err)

	assert.Equal(t, store.PhaseCompleted, rec.Phase)
	assert.Equal(t, "reinvest-sig", rec.ReinvestTxRef)
	require.NotNil(t, rec.Claim)
	assert.Equal(t, uint64(500), rec.Claim.AmountX)
	assert.Equal(t, []string{"claim-sig"}, rec.Claim.TxRefs)

	// Plan carries the claimed amounts into the allocation
	assert.Equal(t, int32(95), gw.lastPlan.MinBin)
	assert.Equal(t, int32(105), gw.lastPlan.MaxBin)
	assert.Equal(t, strategy.ShapeUniform, gw.lastPlan.Shape)
	assert.Equal(t, uint64(500), gw.lastPlan.AmountX)
	assert.Equal(t, uint64(700), gw.lastPlan.AmountY)

	stored, err := s.Latest(context.Background(), "Pool1:Owner1")
	require.NoError(t, err)
	assert.Equal(t, store.PhaseCompleted, stored.Phase)
}

func TestRunCycleNoFeesIsNoOp(t *testing.T) {
	gw := newTestGateway()
	gw.claimResult = gateway.ClaimResult{} // nothing accrued
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	rec, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.NoError(t, err)

	assert.Equal(t, store.PhaseCompleted, rec.Phase)
	assert.Empty(t, rec.ReinvestTxRef)
	assert.Equal(t, int32(0), gw.reinvestCalls.Load(), "no-op cycle must never reach the reinvest step")
}

func TestRunCycleInvalidIntent(t *testing.T) {
	gw := newTestGateway()
	eng := newTestEngine(gw, store.NewMemoryStore(), nil)

	t.Run("unsupported strategy", func(t *testing.T) {
		_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", strategy.Intent{
			Strategy: strategy.Kind("martingale"),
			Padding:  5,
		})
		assert.ErrorIs(t, err, ErrInvalidIntent)
	})

	t.Run("negative padding", func(t *testing.T) {
		_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", strategy.Intent{
			Strategy: strategy.Spot,
			Padding:  -1,
		})
		assert.ErrorIs(t, err, ErrInvalidIntent)
	})

	// Rejection happens before any external call
	assert.Equal(t, int32(0), gw.claimCalls.Load())
}

func TestRunCycleUnknownPosition(t *testing.T) {
	gw := newTestGateway()
	eng := newTestEngine(gw, store.NewMemoryStore(), nil)

	_, err := eng.RunCycle(context.Background(), "NoSuchPool", "Owner1", spotIntent())
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestRunCycleExclusivity(t *testing.T) {
	gw := newTestGateway()
	gw.claimBarrier = make(chan struct{})
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	var wg sync.WaitGroup
	results := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
		}(i)
	}

	// Let the loser hit the lock, then release the winner's claim
	time.Sleep(100 * time.Millisecond)
	close(gw.claimBarrier)
	wg.Wait()

	var completed, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, completed, "exactly one concurrent cycle must win")
	assert.Equal(t, 1, rejected, "the other must fail fast with ErrAlreadyRunning")
	assert.Equal(t, int32(1), gw.claimCalls.Load())
}

func TestRunCycleFatalClaimError(t *testing.T) {
	gw := newTestGateway()
	gw.claimErrs = []error{fmt.Errorf("%w: deposit below pool minimum", gateway.ErrInsufficientBalance)}
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.ErrorIs(t, err, gateway.ErrInsufficientBalance)

	// Fatal errors are never retried
	assert.Equal(t, int32(1), gw.claimCalls.Load())

	rec, storeErr := s.Latest(context.Background(), "Pool1:Owner1")
	require.NoError(t, storeErr)
	assert.Equal(t, store.PhaseFailed, rec.Phase)
	assert.Contains(t, rec.LastError, "deposit below pool minimum")

	// A failed cycle releases the position for the next run
	_, err = eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	assert.NoError(t, err)
}

func TestRunCycleRetriesConnectivity(t *testing.T) {
	gw := newTestGateway()
	gw.claimErrs = []error{
		fmt.Errorf("%w: connection reset", gateway.ErrConnectivity),
		fmt.Errorf("%w: connection reset", gateway.ErrConnectivity),
		nil,
	}
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	rec, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.NoError(t, err)

	assert.Equal(t, store.PhaseCompleted, rec.Phase)
	assert.Equal(t, int32(3), gw.claimCalls.Load())
	assert.GreaterOrEqual(t, rec.Attempts, 3)
}

func TestRunCycleExhaustsRetries(t *testing.T) {
	gw := newTestGateway()
	gw.claimErrs = []error{
		fmt.Errorf("%w: timeout", gateway.ErrConnectivity),
		fmt.Errorf("%w: timeout", gateway.ErrConnectivity),
		fmt.Errorf("%w: timeout", gateway.ErrConnectivity),
	}
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.ErrorIs(t, err, gateway.ErrConnectivity)
	assert.Equal(t, int32(3), gw.claimCalls.Load())

	rec, storeErr := s.Latest(context.Background(), "Pool1:Owner1")
	require.NoError(t, storeErr)
	assert.Equal(t, store.PhaseFailed, rec.Phase)
}

func TestRunCycleFailedReinvestKeepsClaim(t *testing.T) {
	gw := newTestGateway()
	gw.reinvestErr = fmt.Errorf("%w: malformed position", gateway.ErrProtocol)
	s := store.NewMemoryStore()
	eng := newTestEngine(gw, s, nil)

	_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.ErrorIs(t, err, gateway.ErrProtocol)

	// The claim checkpoint survives the failure for later inspection
	rec, storeErr := s.Latest(context.Background(), "Pool1:Owner1")
	require.NoError(t, storeErr)
	assert.Equal(t, store.PhaseFailed, rec.Phase)
	require.NotNil(t, rec.Claim)
	assert.Equal(t, []string{"claim-sig"}, rec.Claim.TxRefs)
}

func TestResume(t *testing.T) {
	t.Run("claimed record skips the claim step", func(t *testing.T) {
		gw := newTestGateway()
		s := store.NewMemoryStore()

		// Simulate a crash after the claim checkpoint was persisted
		rec, err := s.Begin(context.Background(), "Pool1", "Owner1")
		require.NoError(t, err)
		rec.Phase = store.PhaseClaimed
		rec.Claim = &gateway.ClaimResult{AmountX: 500, AmountY: 700, TxRefs: []string{"claim-sig"}}
		require.NoError(t, s.Update(context.Background(), rec))

		eng := newTestEngine(gw, s, nil)
		require.NoError(t, eng.Resume(context.Background(), spotIntent()))

		assert.Equal(t, int32(0), gw.claimCalls.Load(), "resume must never re-claim past the checkpoint")
		assert.Equal(t, int32(1), gw.reinvestCalls.Load())

		final, err := s.Latest(context.Background(), "Pool1:Owner1")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseCompleted, final.Phase)
		assert.Equal(t, "reinvest-sig", final.ReinvestTxRef)
	})

	t.Run("claiming record re-runs the claim", func(t *testing.T) {
		gw := newTestGateway()
		s := store.NewMemoryStore()

		// Crash mid-claim, before any checkpoint
		_, err := s.Begin(context.Background(), "Pool1", "Owner1")
		require.NoError(t, err)

		eng := newTestEngine(gw, s, nil)
		require.NoError(t, eng.Resume(context.Background(), spotIntent()))

		assert.Equal(t, int32(1), gw.claimCalls.Load())
		assert.Equal(t, int32(1), gw.reinvestCalls.Load())

		final, err := s.Latest(context.Background(), "Pool1:Owner1")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseCompleted, final.Phase)
	})

	t.Run("transient listing failure is retried, not fatal", func(t *testing.T) {
		gw := newTestGateway()
		gw.listErrs = []error{
			fmt.Errorf("%w: connection reset", gateway.ErrConnectivity),
			nil,
		}
		s := store.NewMemoryStore()

		// Crash after the claim checkpoint; the claim already succeeded
		rec, err := s.Begin(context.Background(), "Pool1", "Owner1")
		require.NoError(t, err)
		rec.Phase = store.PhaseClaimed
		rec.Claim = &gateway.ClaimResult{AmountX: 500, AmountY: 700, TxRefs: []string{"claim-sig"}}
		require.NoError(t, s.Update(context.Background(), rec))

		eng := newTestEngine(gw, s, nil)
		require.NoError(t, eng.Resume(context.Background(), spotIntent()))

		assert.Equal(t, int32(2), gw.listCalls.Load(), "a connectivity blip on listing should be retried")
		assert.Equal(t, int32(0), gw.claimCalls.Load())

		final, err := s.Latest(context.Background(), "Pool1:Owner1")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseCompleted, final.Phase)
		assert.Equal(t, "reinvest-sig", final.ReinvestTxRef)
	})

	t.Run("listing retries exhausted fails the record", func(t *testing.T) {
		gw := newTestGateway()
		gw.listErrs = []error{
			fmt.Errorf("%w: timeout", gateway.ErrConnectivity),
			fmt.Errorf("%w: timeout", gateway.ErrConnectivity),
			fmt.Errorf("%w: timeout", gateway.ErrConnectivity),
		}
		s := store.NewMemoryStore()

		_, err := s.Begin(context.Background(), "Pool1", "Owner1")
		require.NoError(t, err)

		eng := newTestEngine(gw, s, nil)
		require.NoError(t, eng.Resume(context.Background(), spotIntent()))

		assert.Equal(t, int32(3), gw.listCalls.Load())

		final, err := s.Latest(context.Background(), "Pool1:Owner1")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseFailed, final.Phase)
	})

	t.Run("vanished position fails the record", func(t *testing.T) {
		gw := newTestGateway()
		s := store.NewMemoryStore()

		_, err := s.Begin(context.Background(), "GonePool", "Owner1")
		require.NoError(t, err)

		eng := newTestEngine(gw, s, nil)
		require.NoError(t, eng.Resume(context.Background(), spotIntent()))

		final, err := s.Latest(context.Background(), "GonePool:Owner1")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseFailed, final.Phase)
		assert.NotEmpty(t, final.LastError)
	})

	t.Run("no active cycles is a no-op", func(t *testing.T) {
		gw := newTestGateway()
		eng := newTestEngine(gw, store.NewMemoryStore(), nil)

		require.NoError(t, eng.Resume(context.Background(), spotIntent()))
		assert.Equal(t, int32(0), gw.claimCalls.Load())
	})
}

func TestSwapOnEntry(t *testing.T) {
	intent := strategy.Intent{Strategy: strategy.Spot, Padding: 5, SwapOnEntry: true}

	t.Run("fresh price enables the swap", func(t *testing.T) {
		gw := newTestGateway()
		o := &fakeOracle{price: oracle.Price{Value: decimal.NewFromFloat(1.25), AsOf: time.Now()}}
		eng := newTestEngine(gw, store.NewMemoryStore(), o)

		_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", intent)
		require.NoError(t, err)
		assert.True(t, gw.lastPlan.SwapOnEntry)
	})

	t.Run("degrades without an oracle", func(t *testing.T) {
		gw := newTestGateway()
		eng := newTestEngine(gw, store.NewMemoryStore(), nil)

		_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", intent)
		require.NoError(t, err)
		assert.False(t, gw.lastPlan.SwapOnEntry)
	})

	t.Run("degrades on a stale price", func(t *testing.T) {
		gw := newTestGateway()
		o := &fakeOracle{err: oracle.ErrStale}
		eng := newTestEngine(gw, store.NewMemoryStore(), o)

		_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", intent)
		require.NoError(t, err, "a stale price must degrade the swap, not fail the cycle")
		assert.False(t, gw.lastPlan.SwapOnEntry)
	})

	t.Run("not requested means no lookup", func(t *testing.T) {
		gw := newTestGateway()
		o := &fakeOracle{err: oracle.ErrUnavailable}
		eng := newTestEngine(gw, store.NewMemoryStore(), o)

		_, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
		require.NoError(t, err)
		assert.False(t, gw.lastPlan.SwapOnEntry)
	})
}

func TestOracleFailureNeverFailsCycle(t *testing.T) {
	gw := newTestGateway()
	o := &fakeOracle{err: oracle.ErrUnavailable}
	eng := newTestEngine(gw, store.NewMemoryStore(), o)

	rec, err := eng.RunCycle(context.Background(), "Pool1", "Owner1", spotIntent())
	require.NoError(t, err)
	assert.Equal(t, store.PhaseCompleted, rec.Phase)
}
