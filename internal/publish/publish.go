package publish

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

var ErrInvalidTarget = errors.New("invalid publish target")

const (
	partSize    = 16 * 1024 * 1024
	concurrency = 4
)

// Target is an s3://bucket/key destination. A key that is empty or ends in
// "/" is a prefix; the local file name is appended on publish.
type Target struct {
	Bucket string
	Key    string
}

func (t Target) String() string {
	return fmt.Sprintf("s3://%s/%s", t.Bucket, t.Key)
}

func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return Target{}, fmt.Errorf("%w: %q is not s3://bucket/key", ErrInvalidTarget, raw)
	}
	return Target{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
}

// ObjectKey resolves the key for localPath under t.
func (t Target) ObjectKey(localPath string) string {
	if t.Key == "" || strings.HasSuffix(t.Key, "/") {
		return path.Join(t.Key, filepath.Base(localPath))
	}
	return t.Key
}

type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

type Publisher struct {
	uploader Uploader
}

// NewPublisher builds an S3 multipart uploader from the shared AWS config.
// An empty profile uses the default chain.
func NewPublisher(ctx context.Context, profile string) (*Publisher, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	up := s3manager.NewUploader(s3.NewFromConfig(cfg), func(u *s3manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})
	return NewPublisherWithUploader(up), nil
}

func NewPublisherWithUploader(up Uploader) *Publisher {
	return &Publisher{uploader: up}
}

// Publish uploads localPath and returns the object location.
func (p *Publisher) Publish(ctx context.Context, localPath string, target Target) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("error opening %s: %w", localPath, err)
	}
	defer f.Close()

	key := target.ObjectKey(localPath)
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	log.Debug().Str("op", "publish").Msgf("uploading %s to s3://%s/%s", localPath, target.Bucket, key)
	out, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("error uploading to s3://%s/%s: %w", target.Bucket, key, err)
	}
	location := out.Location
	if location == "" {
		location = fmt.Sprintf("s3://%s/%s", target.Bucket, key)
	}
	log.Info().Str("op", "publish").Msgf("published %s to %s", filepath.Base(localPath), location)
	return location, nil
}
