package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/vidrelay/internal/config"
	"github.com/tanq16/vidrelay/internal/manager"
	"github.com/tanq16/vidrelay/internal/publish"
)

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyRecorder) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.keys = append(k.keys, *in.Key)
	k.mu.Unlock()
	return &s3manager.UploadOutput{}, nil
}

func TestHTTPClientConfigHighThreadMode(t *testing.T) {
	tests := []struct {
		name        string
		maxSegments int
		maxThreads  int
		want        bool
	}{
		{"defaults", 8, 16, true},
		{"few segments many threads", 4, 16, true},
		{"many segments few threads", 6, 4, true},
		{"low concurrency", 5, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Segmentation.MaxSegments = tt.maxSegments
			cfg.Threads.Max = tt.maxThreads
			c := httpClientConfig(&cfg)
			assert.Equal(t, tt.want, c.HighThreadMode)
			assert.Equal(t, cfg.Download.Timeout, c.Timeout)
		})
	}
}

func TestPublishStepSharesPublisher(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"ep1.mp4", "ep2.mp4"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0644))
		paths = append(paths, p)
	}

	up := &keyRecorder{}
	builds := 0
	publisher := sharedPublisher(func(context.Context) (*publish.Publisher, error) {
		builds++
		return publish.NewPublisherWithUploader(up), nil
	})
	multi := publishStep(publish.Target{Bucket: "media", Key: "show"}, publisher)
	single := publishStep(publish.Target{Bucket: "media", Key: "clips/one.mp4"}, publisher)

	ctx := context.Background()
	require.NoError(t, multi(ctx, manager.Result{Success: true, Paths: paths}))
	require.NoError(t, single(ctx, manager.Result{Success: true, Paths: paths[:1]}))

	assert.Equal(t, 1, builds)
	assert.Equal(t, []string{"show/ep1.mp4", "show/ep2.mp4", "clips/one.mp4"}, up.keys)
}
