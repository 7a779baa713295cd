package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket, f.key, f.contentType = *in.Bucket, *in.Key, *in.ContentType
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3manager.UploadOutput{}, nil
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		want    Target
		wantErr bool
	}{
		{"s3://media/videos/a.mp4", Target{Bucket: "media", Key: "videos/a.mp4"}, false},
		{"s3://media/videos/", Target{Bucket: "media", Key: "videos/"}, false},
		{"s3://media", Target{Bucket: "media"}, false},
		{"https://media/x", Target{}, true},
		{"s3:///nobucket", Target{}, true},
		{"::bad", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "videos/clip.mp4", Target{Key: "videos/"}.ObjectKey("/tmp/clip.mp4"))
	assert.Equal(t, "clip.mp4", Target{}.ObjectKey("/tmp/clip.mp4"))
	assert.Equal(t, "fixed.mp4", Target{Key: "fixed.mp4"}.ObjectKey("/tmp/clip.mp4"))
}

func TestPublish(t *testing.T) {
	local := filepath.Join(t.TempDir(), "clip.bin")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0644))

	up := &fakeUploader{}
	loc, err := NewPublisherWithUploader(up).Publish(context.Background(), local, Target{Bucket: "media", Key: "in/"})
	require.NoError(t, err)
	assert.Equal(t, "s3://media/in/clip.bin", loc)
	assert.Equal(t, "media", up.bucket)
	assert.Equal(t, "in/clip.bin", up.key)
	assert.Equal(t, "application/octet-stream", up.contentType)
	assert.Equal(t, []byte("payload"), up.body)
}

func TestPublishErrors(t *testing.T) {
	p := NewPublisherWithUploader(&fakeUploader{err: errors.New("denied")})
	_, err := p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing"), Target{Bucket: "b"})
	assert.Error(t, err)

	local := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0644))
	_, err = p.Publish(context.Background(), local, Target{Bucket: "b"})
	assert.ErrorContains(t, err, "denied")
}
