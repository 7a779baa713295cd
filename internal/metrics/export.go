package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
)

const prefix = "vidrelay"

var (
	descOperations = prometheus.NewDesc(prefix+"_retry_operations_total", "Total number of retry operations", nil, nil)
	descSuccesses  = prometheus.NewDesc(prefix+"_retry_success_total", "Operations that eventually succeeded", nil, nil)
	descFailures   = prometheus.NewDesc(prefix+"_retry_failure_total", "Operations that exhausted their attempts", nil, nil)
	descAttempts   = prometheus.NewDesc(prefix+"_retry_attempts_total", "Attempts across all operations", nil, nil)
	descRate       = prometheus.NewDesc(prefix+"_retry_success_rate", "Success rate of retry operations in percent", nil, nil)
	descTrips      = prometheus.NewDesc(prefix+"_circuit_breaker_trips_total", "Total circuit breaker trips", nil, nil)

	descOpRate     = prometheus.NewDesc(prefix+"_operation_success_rate", "Success rate per operation in percent", []string{"operation"}, nil)
	descOpAvg      = prometheus.NewDesc(prefix+"_operation_average_time_ms", "Average time per operation in milliseconds", []string{"operation"}, nil)
	descOpAttempts = prometheus.NewDesc(prefix+"_operation_attempts_total", "Attempts per operation", []string{"operation"}, nil)
	descOpTrips    = prometheus.NewDesc(prefix+"_operation_circuit_breaker_trips_total", "Circuit breaker trips per operation", []string{"operation"}, nil)
)

// summaryCollector exposes Summary snapshots as const metrics.
type summaryCollector struct {
	c *Collector
}

func (p summaryCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descOperations, descSuccesses, descFailures, descAttempts, descRate, descTrips, descOpRate, descOpAvg, descOpAttempts, descOpTrips} {
		ch <- d
	}
}

func (p summaryCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Summary()
	ch <- prometheus.MustNewConstMetric(descOperations, prometheus.CounterValue, float64(s.TotalOperations))
	ch <- prometheus.MustNewConstMetric(descSuccesses, prometheus.CounterValue, float64(s.TotalSuccesses))
	ch <- prometheus.MustNewConstMetric(descFailures, prometheus.CounterValue, float64(s.TotalFailures))
	ch <- prometheus.MustNewConstMetric(descAttempts, prometheus.CounterValue, float64(s.TotalAttempts))
	ch <- prometheus.MustNewConstMetric(descRate, prometheus.GaugeValue, s.OverallSuccessRate)
	ch <- prometheus.MustNewConstMetric(descTrips, prometheus.CounterValue, float64(s.TotalCircuitTrips))
	for name, op := range s.Operations {
		ch <- prometheus.MustNewConstMetric(descOpRate, prometheus.GaugeValue, op.SuccessRate, name)
		ch <- prometheus.MustNewConstMetric(descOpAvg, prometheus.GaugeValue, float64(op.AverageRetryTime.Milliseconds()), name)
		ch <- prometheus.MustNewConstMetric(descOpAttempts, prometheus.CounterValue, float64(op.Attempts), name)
		ch <- prometheus.MustNewConstMetric(descOpTrips, prometheus.CounterValue, float64(op.CircuitTrips), name)
	}
}

func newRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(summaryCollector{c: c})
	return reg
}

// Export renders the current summary as "json" (default) or "prometheus".
func (c *Collector) Export(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "json":
		data, err := json.MarshalIndent(c.Summary(), "", "  ")
		if err != nil {
			return "", fmt.Errorf("error encoding metrics: %w", err)
		}
		return string(data), nil
	case "prometheus", "text":
		return c.renderText()
	}
	return "", fmt.Errorf("unsupported metrics format %q", format)
}

func (c *Collector) renderText() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("error gathering metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	var b strings.Builder
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return "", fmt.Errorf("error encoding metrics: %w", err)
		}
	}
	return b.String(), nil
}

// Handler serves the JSON summary, or the registry in the Prometheus
// exposition format with ?format=prometheus. DELETE resets the counters.
func (c *Collector) Handler() http.Handler {
	prom := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			c.Reset()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		switch format := strings.ToLower(r.URL.Query().Get("format")); format {
		case "prometheus", "text":
			prom.ServeHTTP(w, r)
		case "", "json":
			body, err := c.Export(format)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if _, err := w.Write([]byte(body)); err != nil {
				log.Debug().Str("op", "metrics/export").Msgf("error writing metrics response: %v", err)
			}
		default:
			http.Error(w, fmt.Sprintf("unsupported metrics format %q", format), http.StatusBadRequest)
		}
	})
}
