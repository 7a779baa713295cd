package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/config"
	"github.com/tanq16/vidrelay/internal/manager"
	"github.com/tanq16/vidrelay/internal/merge"
	"github.com/tanq16/vidrelay/internal/metrics"
	"github.com/tanq16/vidrelay/internal/segment"
	"github.com/tanq16/vidrelay/internal/threads"
	"github.com/tanq16/vidrelay/internal/utils"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	client    *utils.HTTPClient
	metrics   *metrics.Collector
	cleaner   *merge.Cleaner
	executor  *segment.Executor
	threads   *threads.Calculator
	manager   *manager.Manager
	history   *threads.BoltStore
	logCloser io.Closer
	server    *http.Server
	mux       *http.ServeMux
}

func newApp() (*app, error) {
	closer, err := utils.InitLogger(debug, logFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		closer.Close()
		return nil, err
	}
	if workers > 0 {
		cfg.Download.Workers = workers
	}

	a := &app{cfg: cfg, logCloser: closer, metrics: metrics.NewCollector()}
	a.client = utils.NewHTTPClient(httpClientConfig(cfg))
	a.cleaner = merge.NewCleaner(merge.DefaultCleanupQueue)
	merger := merge.NewMerger(cfg.MergeConfig(), a.cleaner)
	a.executor = segment.NewExecutor(a.client, merger, cfg.SegmentConfig()).WithRecorder(a.metrics)

	var store threads.Store
	if bs, err := openHistory(cfg); err != nil {
		log.Warn().Str("op", "cmd/app").Msgf("performance history disabled: %v", err)
	} else {
		a.history = bs
		store = bs
	}
	a.threads = threads.NewCalculator(cfg.ThreadsConfig(), threads.SystemResources{}, threads.NewHistory(store))
	a.manager = manager.New(cfg.ManagerConfig(), a.executor, a.threads, nil)

	addr := metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		a.serveMetrics(addr)
	}
	return a, nil
}

func openHistory(cfg *config.Config) (*threads.BoltStore, error) {
	path := cfg.Threads.HistoryFile
	if path == "" {
		var err error
		if path, err = config.DefaultHistoryPath(); err != nil {
			return nil, err
		}
	}
	return threads.OpenBoltStore(path)
}

func (a *app) serveMetrics(addr string) {
	a.mux = http.NewServeMux()
	a.mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Addr: addr, Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("op", "cmd/app").Msgf("serving metrics on %s/metrics", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("op", "cmd/app").Msgf("metrics server failed: %v", err)
		}
	}()
}

// handle registers h on the metrics server when one is running.
func (a *app) handle(pattern string, h http.Handler) {
	if a.mux != nil {
		a.mux.Handle(pattern, h)
	}
}

// close flushes pending cleanups, prints metrics when asked and releases the
// history database.
func (a *app) close() {
	a.cleaner.Close()
	if metricsFormat != "" {
		out, err := a.metrics.Export(metricsFormat)
		if err != nil {
			log.Error().Str("op", "cmd/app").Msgf("error exporting metrics: %v", err)
		} else {
			fmt.Fprintln(os.Stderr, out)
		}
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			log.Warn().Str("op", "cmd/app").Msgf("error stopping metrics server: %v", err)
		}
		cancel()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Warn().Str("op", "cmd/app").Msgf("error closing history database: %v", err)
		}
	}
	a.logCloser.Close()
}
