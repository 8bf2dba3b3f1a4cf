package logtail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
)

func testBatch() []logging.Log {
	return []logging.Log{
		{
			Timestamp: time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*60*60)),
			Message:   "test message",
			Level:     "Info",
			Context:   map[string]any{"logger": "app", "properties": map[string]any{"user": "josh"}},
		},
	}
}

// recordWaits replaces the backoff sleep so tests do not wait for real.
func recordWaits(c *Client) *[]time.Duration {
	var mu sync.Mutex
	waits := []time.Duration{}
	c.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		return nil
	}
	return &waits
}

func TestClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/", r.URL.Path)
		assert.Equal(t, "Bearer source-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get(BatchIDHeader))

		var payload []map[string]any
		err := json.NewDecoder(r.Body).Decode(&payload)
		assert.NoError(t, err)

		if assert.Len(t, payload, 1) {
			assert.Equal(t, "2024-05-01T12:30:00+02:00", payload[0]["dt"])
			assert.Equal(t, "test message", payload[0]["message"])
			assert.Equal(t, "Info", payload[0]["level"])
			assert.Equal(t, map[string]any{
				"logger":     "app",
				"properties": map[string]any{"user": "josh"},
			}, payload[0]["context"])
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient("source-token", Config{Endpoint: server.URL + "/", Retries: 3})

	assert.True(t, client.Send(context.Background(), testBatch()))
}

func TestClient_Send_EmptyBatch(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL})

	assert.True(t, client.Send(context.Background(), nil))
	assert.Equal(t, int32(0), attempts.Load())
}

func TestClient_Send_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL, Retries: 3})
	waits := recordWaits(client)

	ok := client.Send(context.Background(), testBatch())

	assert.True(t, ok)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, []time.Duration{0, time.Second, 2 * time.Second}, *waits)
}

func TestClient_Send_AllRetriesFail(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL, Retries: 2})
	waits := recordWaits(client)

	ok := client.Send(context.Background(), testBatch())

	assert.False(t, ok)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, []time.Duration{0, time.Second}, *waits)
}

func TestClient_Send_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient("token", Config{Endpoint: url, Retries: 2})
	waits := recordWaits(client)

	assert.NotPanics(t, func() {
		assert.False(t, client.Send(context.Background(), testBatch()))
	})
	assert.Len(t, *waits, 2)
}

func TestClient_Send_TimeoutIsRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL, Retries: 3, Timeout: 50 * time.Millisecond})
	recordWaits(client)

	assert.True(t, client.Send(context.Background(), testBatch()))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Send_BatchIDStableAcrossRetries(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get(BatchIDHeader))
		n := len(ids)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL, Retries: 5})
	recordWaits(client)

	require.True(t, client.Send(context.Background(), testBatch()))
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])

	require.True(t, client.Send(context.Background(), testBatch()))
	assert.NotEqual(t, ids[0], ids[3])
}

func TestClient_Send_Compressed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		defer zr.Close()

		var payload []map[string]any
		assert.NoError(t, json.NewDecoder(zr).Decode(&payload))
		assert.Len(t, payload, 1)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL, Retries: 1, Compress: true})

	assert.True(t, client.Send(context.Background(), testBatch()))
}

func TestClient_Send_CancelledContextStopsRetrying(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient("token", Config{Endpoint: server.URL, Retries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, client.Send(ctx, testBatch()))
	assert.Equal(t, int32(0), attempts.Load())
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient("token", Config{})

	assert.Equal(t, DefaultEndpoint+"/", client.endpoint)
	assert.Equal(t, DefaultRetries, client.retries)
	assert.Equal(t, DefaultTimeout, client.httpClient.Timeout)
	assert.Equal(t, time.Second, client.backoff)
}
