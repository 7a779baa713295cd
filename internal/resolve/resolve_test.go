package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/vidrelay/internal/backoff"
	"github.com/tanq16/vidrelay/internal/cache"
	"github.com/tanq16/vidrelay/internal/retry"
)

func TestURLFor(t *testing.T) {
	got, err := URLFor("https://api.example/v/{id}/play", "a b")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example/v/a%20b/play", got)

	_, err = URLFor("https://api.example/v", "x")
	assert.Error(t, err)
}

func TestHTTPLookupWithEngine(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case r.URL.Path == "/v/denied":
			w.WriteHeader(http.StatusForbidden)
		case n == 1:
			http.NotFound(w, r)
		case n == 2:
			w.WriteHeader(http.StatusOK)
		default:
			w.Write([]byte("\n  https://cdn.example/video.mp4  \nextra\n"))
		}
	}))
	defer srv.Close()

	policy := retry.Policy{
		MaxAttempts:      5,
		Backoff:          backoff.Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		FailureThreshold: 10,
		OpenDuration:     time.Minute,
	}
	store := cache.NewTTL[string, string](10, time.Minute)
	engine := retry.NewEngine("resolve", policy, HTTPLookup(srv.Client(), srv.URL+"/v/{id}"),
		retry.WithCache[string, string](store))

	val, ok := engine.GetWithRetry(context.Background(), "abc")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/video.mp4", val)
	assert.Equal(t, int64(3), calls.Load())

	val, ok = engine.GetWithRetry(context.Background(), "abc")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/video.mp4", val)
	assert.Equal(t, int64(3), calls.Load())

	_, err := engine.Do(context.Background(), "denied")
	assert.ErrorIs(t, err, retry.ErrNotRetryable)
	assert.Equal(t, int64(4), calls.Load())
}
