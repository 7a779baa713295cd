package cache

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	c := NewTTL[string, int](10, time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.InDelta(t, 50.0, s.HitRate, 0.001)
}

func TestSizeBound(t *testing.T) {
	c := NewTTL[int, int](3, time.Minute)
	for i := 0; i < 5; i++ {
		c.Put(i, i)
	}
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get(0)
	assert.False(t, ok)
	_, ok = c.Get(4)
	assert.True(t, ok)
}

func TestExpiry(t *testing.T) {
	c := NewTTL[string, string](10, 20*time.Millisecond)
	c.Put("k", "v")
	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestPurge(t *testing.T) {
	c := NewTTL[string, int](0, 0)
	c.Put("a", 1)
	c.Get("a")
	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestHandler(t *testing.T) {
	c := NewTTL[string, string](10, time.Minute)
	c.Put("a", "1")
	c.Get("a")
	c.Get("b")
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	var s Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	resp.Body.Close()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 50.0, s.HitRate)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, Stats{}, c.Stats())
}
