package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionKey(t *testing.T) {
	key := PositionKey("Pool1", "Owner1")
	assert.Equal(t, "Pool1:Owner1", key)

	pos := Position{PoolAddress: "Pool1", Owner: "Owner1"}
	assert.Equal(t, key, pos.Key())
}

func TestSplitPositionKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		pool, owner, err := SplitPositionKey(PositionKey("Pool1", "Owner1"))
		require.NoError(t, err)
		assert.Equal(t, "Pool1", pool)
		assert.Equal(t, "Owner1", owner)
	})

	t.Run("malformed keys", func(t *testing.T) {
		for _, key := range []string{"", "nocolon", ":owner", "pool:"} {
			_, _, err := SplitPositionKey(key)
			assert.Error(t, err, "key %q should be rejected", key)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConnectivity))
	assert.True(t, IsRetryable(fmt.Errorf("%w: connection reset", ErrConnectivity)))

	assert.False(t, IsRetryable(ErrAuth))
	assert.False(t, IsRetryable(ErrProtocol))
	assert.False(t, IsRetryable(ErrInsufficientBalance))
	assert.False(t, IsRetryable(errors.New("some other error")))
}

func TestClaimResultEmpty(t *testing.T) {
	assert.True(t, ClaimResult{}.Empty())
	assert.True(t, ClaimResult{AmountX: 100}.Empty(), "amounts without transactions mean nothing moved")
	assert.False(t, ClaimResult{TxRefs: []string{"sig1"}}.Empty())
}
