package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/vidrelay/internal/backoff"
	"github.com/tanq16/vidrelay/internal/cache"
	"github.com/tanq16/vidrelay/internal/output"
	"github.com/tanq16/vidrelay/internal/resolve"
	"github.com/tanq16/vidrelay/internal/retry"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve TEMPLATE ID...",
		Short: "Resolve ids through an HTTP endpoint with retries and a circuit breaker",
		Long: `Resolve ids through an HTTP endpoint. TEMPLATE contains {id}, eg.
https://api.example.com/videos/{id}/source; the first line of a 200 response
is the resolved value. Not-found responses are retried with backoff.`,
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			template, ids := args[0], args[1:]
			if _, err := resolve.URLFor(template, "x"); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			a, err := newApp()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

			policy := a.cfg.RetryPolicy()
			store := cache.NewTTL[string, string](a.cfg.Cache.Size, a.cfg.Cache.TTL)
			engine := retry.NewEngine("resolve", policy, resolve.HTTPLookup(a.client, template),
				retry.WithCache[string, string](store),
				retry.WithRecorder[string, string](a.metrics))
			a.handle("/metrics/circuit-breaker", engine.Handler())
			a.handle("/metrics/cache", store.Handler())
			log.Debug().Str("op", "cmd/resolve").Msgf("up to %d attempts and %s of base backoff per id",
				policy.MaxAttempts, backoff.NewCalculator(policy.Backoff).TotalBase(policy.MaxAttempts))

			failed := false
			for _, id := range ids {
				value, err := engine.Do(ctx, id)
				if err != nil {
					output.PrintError(id + ": " + err.Error())
					failed = true
					continue
				}
				output.KeyValue(id, value)
			}
			status, stats := engine.Status(), store.Stats()
			output.KeyValue("circuit", fmt.Sprintf("%s (%d consecutive failures)", status.State, status.Failures))
			output.KeyValue("cache", fmt.Sprintf("%d hits, %d misses, %.1f%% hit rate", stats.Hits, stats.Misses, stats.HitRate))
			stop()
			a.close()
			if failed {
				os.Exit(1)
			}
		},
	}
}
