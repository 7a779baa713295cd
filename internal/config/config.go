package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"github.com/tanq16/vidrelay/internal/backoff"
	"github.com/tanq16/vidrelay/internal/manager"
	"github.com/tanq16/vidrelay/internal/merge"
	"github.com/tanq16/vidrelay/internal/retry"
	"github.com/tanq16/vidrelay/internal/segment"
	"github.com/tanq16/vidrelay/internal/threads"
	"github.com/tanq16/vidrelay/internal/utils"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	appName        = "vidrelay"
	configFileName = "config.yaml"
	historyFile    = "history.db"
)

type Config struct {
	Download     DownloadConfig     `yaml:"download,omitempty"`
	Segmentation SegmentationConfig `yaml:"segmentation,omitempty"`
	Retry        RetryConfig        `yaml:"retry,omitempty"`
	Cache        CacheConfig        `yaml:"cache,omitempty"`
	Threads      ThreadsConfig      `yaml:"threads,omitempty"`
	Merge        MergeConfig        `yaml:"merge,omitempty"`
	Metrics      MetricsConfig      `yaml:"metrics,omitempty"`
}

type DownloadConfig struct {
	OutputDir  string        `yaml:"dir,omitempty"`
	Workers    int           `yaml:"workers,omitempty"` // concurrent requests in a batch
	MaxRetries int           `yaml:"maxRetries,omitempty"`
	RetryDelay time.Duration `yaml:"retryDelay,omitempty"`
	BufferSize int           `yaml:"bufferSize,omitempty"`
	RateLimit  int64         `yaml:"rateLimit,omitempty"` // bytes per second
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	UserAgent  string        `yaml:"userAgent,omitempty"`
	Proxy      string        `yaml:"proxy,omitempty"`
}

type SegmentationConfig struct {
	Disabled           bool  `yaml:"disabled,omitempty"`
	MinFileSize        int64 `yaml:"minFileSize,omitempty"`
	SegmentSize        int64 `yaml:"segmentSize,omitempty"`
	MaxSegments        int   `yaml:"maxSegments,omitempty"`
	MaxParts           int   `yaml:"maxParts,omitempty"`
	MaxConcurrentParts int   `yaml:"maxConcurrentParts,omitempty"`
}

type RetryConfig struct {
	MaxAttempts      int           `yaml:"maxAttempts,omitempty"`
	InitialDelay     time.Duration `yaml:"initialDelay,omitempty"`
	MaxDelay         time.Duration `yaml:"maxDelay,omitempty"`
	Multiplier       float64       `yaml:"multiplier,omitempty"`
	JitterFactor     *float64      `yaml:"jitterFactor,omitempty"` // nil = default, 0 disables jitter
	JitterStrategy   string        `yaml:"jitterStrategy,omitempty"`
	FailureThreshold int           `yaml:"failureThreshold,omitempty"`
	OpenDuration     time.Duration `yaml:"openDuration,omitempty"`
}

type CacheConfig struct {
	TTL  time.Duration `yaml:"ttl,omitempty"`
	Size int           `yaml:"size,omitempty"`
}

type ThreadsConfig struct {
	Min             int     `yaml:"min,omitempty"`
	Max             int     `yaml:"max,omitempty"`
	CPUFactor       float64 `yaml:"cpuFactor,omitempty"`
	MemoryThreshold float64 `yaml:"memoryThreshold,omitempty"`
	HistoryFile     string  `yaml:"historyFile,omitempty"`
}

type MergeConfig struct {
	BufferSize   int           `yaml:"bufferSize,omitempty"`
	Checksum     string        `yaml:"checksum,omitempty"` // md5, sha256 or none
	CleanupDelay time.Duration `yaml:"cleanupDelay,omitempty"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

func DefaultConfig() Config {
	jitter := 0.1
	return Config{
		Download: DownloadConfig{
			OutputDir:  ".",
			Workers:    2,
			MaxRetries: 3,
			RetryDelay: time.Second,
			BufferSize: 32 * 1024,
			Timeout:    3 * time.Minute,
		},
		Segmentation: SegmentationConfig{
			MinFileSize:        10 * 1024 * 1024,
			SegmentSize:        10 * 1024 * 1024,
			MaxSegments:        8,
			MaxParts:           8,
			MaxConcurrentParts: 4,
		},
		Retry: RetryConfig{
			MaxAttempts:      5,
			InitialDelay:     time.Second,
			MaxDelay:         30 * time.Second,
			Multiplier:       2.0,
			JitterFactor:     &jitter,
			JitterStrategy:   string(backoff.Gaussian),
			FailureThreshold: 10,
			OpenDuration:     60 * time.Second,
		},
		Cache: CacheConfig{
			TTL:  5 * time.Minute,
			Size: 1000,
		},
		Threads: ThreadsConfig{
			Min:             1,
			Max:             16,
			CPUFactor:       2.0,
			MemoryThreshold: 0.8,
		},
		Merge: MergeConfig{
			BufferSize:   utils.DefaultBufferSize,
			Checksum:     "md5",
			CleanupDelay: 5 * time.Second,
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/vidrelay/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, configFileName)
}

// DefaultHistoryPath returns the bolt database path under the XDG data home,
// creating parent directories.
func DefaultHistoryPath() (string, error) {
	return xdg.DataFile(filepath.Join(appName, historyFile))
}

// Load reads path (DefaultPath when empty) and fills unset fields from
// DefaultConfig. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) || explicit {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	conf := cfg.withDefaults(DefaultConfig())
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c Config) withDefaults(d Config) Config {
	return Config{
		Download: DownloadConfig{
			OutputDir:  zeroOr(c.Download.OutputDir, d.Download.OutputDir),
			Workers:    zeroOr(c.Download.Workers, d.Download.Workers),
			MaxRetries: zeroOr(c.Download.MaxRetries, d.Download.MaxRetries),
			RetryDelay: zeroOr(c.Download.RetryDelay, d.Download.RetryDelay),
			BufferSize: zeroOr(c.Download.BufferSize, d.Download.BufferSize),
			RateLimit:  c.Download.RateLimit,
			Timeout:    zeroOr(c.Download.Timeout, d.Download.Timeout),
			UserAgent:  c.Download.UserAgent,
			Proxy:      c.Download.Proxy,
		},
		Segmentation: SegmentationConfig{
			Disabled:           c.Segmentation.Disabled,
			MinFileSize:        zeroOr(c.Segmentation.MinFileSize, d.Segmentation.MinFileSize),
			SegmentSize:        zeroOr(c.Segmentation.SegmentSize, d.Segmentation.SegmentSize),
			MaxSegments:        zeroOr(c.Segmentation.MaxSegments, d.Segmentation.MaxSegments),
			MaxParts:           zeroOr(c.Segmentation.MaxParts, d.Segmentation.MaxParts),
			MaxConcurrentParts: zeroOr(c.Segmentation.MaxConcurrentParts, d.Segmentation.MaxConcurrentParts),
		},
		Retry: RetryConfig{
			MaxAttempts:      zeroOr(c.Retry.MaxAttempts, d.Retry.MaxAttempts),
			InitialDelay:     zeroOr(c.Retry.InitialDelay, d.Retry.InitialDelay),
			MaxDelay:         zeroOr(c.Retry.MaxDelay, d.Retry.MaxDelay),
			Multiplier:       zeroOr(c.Retry.Multiplier, d.Retry.Multiplier),
			JitterFactor:     zeroOr(c.Retry.JitterFactor, d.Retry.JitterFactor),
			JitterStrategy:   zeroOr(c.Retry.JitterStrategy, d.Retry.JitterStrategy),
			FailureThreshold: zeroOr(c.Retry.FailureThreshold, d.Retry.FailureThreshold),
			OpenDuration:     zeroOr(c.Retry.OpenDuration, d.Retry.OpenDuration),
		},
		Cache: CacheConfig{
			TTL:  zeroOr(c.Cache.TTL, d.Cache.TTL),
			Size: zeroOr(c.Cache.Size, d.Cache.Size),
		},
		Threads: ThreadsConfig{
			Min:             zeroOr(c.Threads.Min, d.Threads.Min),
			Max:             zeroOr(c.Threads.Max, d.Threads.Max),
			CPUFactor:       zeroOr(c.Threads.CPUFactor, d.Threads.CPUFactor),
			MemoryThreshold: zeroOr(c.Threads.MemoryThreshold, d.Threads.MemoryThreshold),
			HistoryFile:     c.Threads.HistoryFile,
		},
		Merge: MergeConfig{
			BufferSize:   zeroOr(c.Merge.BufferSize, d.Merge.BufferSize),
			Checksum:     zeroOr(c.Merge.Checksum, d.Merge.Checksum),
			CleanupDelay: zeroOr(c.Merge.CleanupDelay, d.Merge.CleanupDelay),
		},
		Metrics: c.Metrics,
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(&v).Elem().IsZero() {
		return def
	}
	return v
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	d := c.Download
	if d.Workers < 1 || d.MaxRetries < 1 || d.BufferSize < 1 || d.RateLimit < 0 || d.Timeout < 0 {
		return invalid("download workers, retries and buffer size must be positive")
	}

	s := c.Segmentation
	if s.MinFileSize < 0 || s.SegmentSize <= 0 || s.MaxSegments < 1 || s.MaxParts < 1 || s.MaxConcurrentParts < 1 {
		return invalid("segmentation sizes and limits must be positive")
	}

	r := c.Retry
	switch {
	case r.MaxAttempts < 1 || r.MaxAttempts > 20:
		return invalid("retry.maxAttempts must be within 1..20, got %d", r.MaxAttempts)
	case r.InitialDelay < 100*time.Millisecond || r.InitialDelay > time.Minute:
		return invalid("retry.initialDelay must be within 100ms..60s, got %s", r.InitialDelay)
	case r.MaxDelay < time.Second || r.MaxDelay > 5*time.Minute:
		return invalid("retry.maxDelay must be within 1s..5m, got %s", r.MaxDelay)
	case r.Multiplier < 1 || r.Multiplier > 10:
		return invalid("retry.multiplier must be within 1..10, got %g", r.Multiplier)
	case r.JitterFactor != nil && (*r.JitterFactor < 0 || *r.JitterFactor > 1):
		return invalid("retry.jitterFactor must be within 0..1, got %g", *r.JitterFactor)
	case r.FailureThreshold < 1 || r.FailureThreshold > 100:
		return invalid("retry.failureThreshold must be within 1..100, got %d", r.FailureThreshold)
	case r.OpenDuration < 10*time.Second || r.OpenDuration > 10*time.Minute:
		return invalid("retry.openDuration must be within 10s..10m, got %s", r.OpenDuration)
	}
	if _, err := backoff.ParseStrategy(r.JitterStrategy); err != nil {
		return invalid("%v", err)
	}

	if c.Cache.TTL < time.Minute {
		return invalid("cache.ttl must be at least 1m, got %s", c.Cache.TTL)
	}
	if c.Cache.Size < 10 || c.Cache.Size > 10000 {
		return invalid("cache.size must be within 10..10000, got %d", c.Cache.Size)
	}

	t := c.Threads
	if t.Min < 1 || t.Max < t.Min {
		return invalid("threads.min must be >= 1 and <= threads.max")
	}
	if t.CPUFactor <= 0 || t.MemoryThreshold <= 0 || t.MemoryThreshold > 1 {
		return invalid("threads.cpuFactor must be positive and threads.memoryThreshold within (0,1]")
	}

	switch c.Merge.Checksum {
	case "md5", "sha256", "none":
	default:
		return invalid("merge.checksum must be md5, sha256 or none, got %q", c.Merge.Checksum)
	}
	if c.Merge.BufferSize < 1 || c.Merge.CleanupDelay < 0 {
		return invalid("merge.bufferSize must be positive")
	}
	return nil
}

func (c *Config) SegmentConfig() segment.Config {
	return segment.Config{
		MaxRetries: c.Download.MaxRetries,
		RetryDelay: c.Download.RetryDelay,
		BufferSize: c.Download.BufferSize,
		RateLimit:  c.Download.RateLimit,
	}
}

func (c *Config) MergeConfig() merge.Config {
	return merge.Config{
		BufferSize:     c.Merge.BufferSize,
		VerifyChecksum: c.Merge.Checksum != "none",
		ChecksumAlgo:   c.Merge.Checksum,
		CleanupDelay:   c.Merge.CleanupDelay,
	}
}

func (c *Config) ManagerConfig() manager.Config {
	s := c.Segmentation
	return manager.Config{
		Enabled:            !s.Disabled,
		MinFileSize:        s.MinFileSize,
		SegmentSize:        s.SegmentSize,
		MaxSegments:        s.MaxSegments,
		MaxParts:           s.MaxParts,
		MaxConcurrentParts: s.MaxConcurrentParts,
	}
}

func (c *Config) ThreadsConfig() threads.Config {
	return threads.Config{
		MinThreads:      c.Threads.Min,
		MaxThreads:      c.Threads.Max,
		CPUFactor:       c.Threads.CPUFactor,
		MemoryThreshold: c.Threads.MemoryThreshold,
	}
}

func (c *Config) RetryPolicy() retry.Policy {
	r := c.Retry
	strategy, _ := backoff.ParseStrategy(r.JitterStrategy)
	jitter := 0.0
	if r.JitterFactor != nil {
		jitter = *r.JitterFactor
	}
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Backoff: backoff.Policy{
			InitialDelay: r.InitialDelay,
			Multiplier:   r.Multiplier,
			MaxDelay:     r.MaxDelay,
			JitterFactor: jitter,
			Strategy:     strategy,
		},
		FailureThreshold: r.FailureThreshold,
		OpenDuration:     r.OpenDuration,
	}
}
