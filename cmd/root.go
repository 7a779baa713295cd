package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidrelay/internal/config"
	"github.com/tanq16/vidrelay/internal/utils"
)

var (
	configPath    string
	debug         bool
	logFile       string
	workers       int
	timeout       time.Duration
	userAgent     string
	proxyURL      string
	headers       []string
	token         string
	metricsFormat string
	metricsAddr   string
)

var VidrelayVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "vidrelay",
	Short:   "Segmented media transfer with retries, verification and metrics",
	Version: VidrelayVersion,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/vidrelay/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Number of requests to run in parallel (overrides config)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "HTTP client timeout, eg. 5s, 10m (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "", "User agent, or 'randomize'")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (credentials may be embedded)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom header like 'Referer: https://example.com'; repeatable")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token sent to origins")
	rootCmd.PersistentFlags().StringVar(&metricsFormat, "metrics", "", "Print retry metrics on exit (json or prometheus)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics over HTTP on this address, eg. :9090")

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// highThreadSegments is the per-transfer connection count above which sockets
// get larger buffers.
const highThreadSegments = 5

func httpClientConfig(cfg *config.Config) utils.HTTPClientConfig {
	cfgUA := cfg.Download.UserAgent
	ua := utils.ToolUserAgent
	switch {
	case userAgent == "randomize":
		ua = utils.GetRandomUserAgent()
	case userAgent != "":
		ua = userAgent
	case cfgUA != "":
		ua = cfgUA
	}
	c := utils.HTTPClientConfig{
		Timeout:        cfg.Download.Timeout,
		ProxyURL:       cfg.Download.Proxy,
		UserAgent:      ua,
		Headers:        utils.ParseHeaderArgs(headers),
		BearerToken:    token,
		HighThreadMode: cfg.Segmentation.MaxSegments > highThreadSegments || cfg.Threads.Max > highThreadSegments,
	}
	if timeout > 0 {
		c.Timeout = timeout
	}
	if proxyURL != "" {
		c.ProxyURL = proxyURL
	}
	utils.SplitProxyAuth(&c)
	return c
}
