package cache

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Store is the get/put collaborator consulted before a retried lookup.
type Store[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
}

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// TTL is a size-bounded LRU whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	hits   atomic.Int64
	misses atomic.Int64
}

func NewTTL[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TTL[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *TTL[K, V]) Put(key K, value V) {
	c.lru.Add(key, value)
}

func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}

func (c *TTL[K, V]) Purge() {
	c.lru.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *TTL[K, V]) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.lru.Len()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

// Handler serves Stats as JSON; DELETE purges the cache.
func (c *TTL[K, V]) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			c.Purge()
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(c.Stats()); err != nil {
				log.Debug().Str("op", "cache").Msgf("error writing cache stats: %v", err)
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
