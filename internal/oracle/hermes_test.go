package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeedID = "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

func newHermesServer(t *testing.T, price string, expo int32, publishTime int64) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/latest_price_feeds", r.URL.Path)
		assert.Equal(t, testFeedID, r.URL.Query().Get("ids[]"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id":"%s","price":{"price":"%s","conf":"1000","expo":%d,"publish_time":%d}}]`,
			testFeedID, price, expo, publishTime)
	}))
}

func newTestClient(serverURL string) *HermesClient {
	return NewHermesClient(serverURL, map[string]string{
		"SOL/USD": testFeedID,
	}, 30*time.Second, zerolog.Nop())
}

func TestHermesGetPrice(t *testing.T) {
	t.Run("scales the price by its exponent", func(t *testing.T) {
		publishTime := time.Now().Unix()
		server := newHermesServer(t, "19543251234", -8, publishTime)
		defer server.Close()

		client := newTestClient(server.URL)

		price, err := client.GetPrice(context.Background(), "SOL/USD")
		require.NoError(t, err)

		assert.Equal(t, "195.43251234", price.Value.String())
		assert.Equal(t, publishTime, price.AsOf.Unix())
	})

	t.Run("stale publish time is rejected", func(t *testing.T) {
		publishTime := time.Now().Add(-5 * time.Minute).Unix()
		server := newHermesServer(t, "19543251234", -8, publishTime)
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.GetPrice(context.Background(), "SOL/USD")
		assert.ErrorIs(t, err, ErrStale)
	})

	t.Run("unconfigured symbol", func(t *testing.T) {
		server := newHermesServer(t, "19543251234", -8, time.Now().Unix())
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.GetPrice(context.Background(), "BTC/USD")
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "no feed configured")
	})

	t.Run("upstream failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.GetPrice(context.Background(), "SOL/USD")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("empty feed response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[]`)
		}))
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.GetPrice(context.Background(), "SOL/USD")
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "no data")
	})

	t.Run("malformed price", func(t *testing.T) {
		server := newHermesServer(t, "not-a-number", -8, time.Now().Unix())
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.GetPrice(context.Background(), "SOL/USD")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
