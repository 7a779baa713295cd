package retry

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

type BreakerStatus struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
	Failures  int    `json:"consecutive_failures"`
}

func (e *Engine[K, V]) Status() BreakerStatus {
	return BreakerStatus{
		Operation: e.name,
		State:     e.breaker.State().String(),
		Failures:  e.breaker.Failures(),
	}
}

// Handler serves the breaker status; DELETE resets the breaker.
func (e *Engine[K, V]) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			e.ResetBreaker()
			log.Info().Str("op", "retry/handler").Msgf("%s: circuit breaker reset", e.name)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(e.Status()); err != nil {
				log.Debug().Str("op", "retry/handler").Msgf("error writing breaker status: %v", err)
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
