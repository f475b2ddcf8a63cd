// internal/deadletter/s3.go
package deadletter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"json-upsert/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// PutObjectAPI is the part of *s3.Client the shipper needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS configuration (env, shared config,
// instance role). SDK retries are disabled; Shipper retries itself.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	}), nil
}

// Shipper uploads a closed dead-letter file and its meta sidecar.
type Shipper struct {
	client   PutObjectAPI
	bucket   string
	prefix   string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	metrics  *metrics.Metrics
}

func NewShipper(client PutObjectAPI, bucket, prefix string, timeout time.Duration, attempts int, m *metrics.Metrics) *Shipper {
	if attempts < 1 {
		attempts = 1
	}
	if m == nil {
		m = metrics.New()
	}
	return &Shipper{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		timeout:  timeout,
		attempts: attempts,
		backoff:  200 * time.Millisecond,
		metrics:  m,
	}
}

// Ship uploads path under BuildS3Key and returns the object key. The
// sidecar goes next to it; a sidecar failure is only logged.
func (s *Shipper) Ship(ctx context.Context, path string) (string, error) {
	now := time.Now()
	key := BuildS3Key(s.prefix, filepath.Base(path), now)

	if err := s.uploadFile(ctx, key, path); err != nil {
		return "", fmt.Errorf("ship %s: %w", path, err)
	}
	atomic.AddInt64(&s.metrics.DeadLetterShippedTotal, 1)

	metaPath := MetaPath(path)
	if _, err := os.Stat(metaPath); err == nil {
		metaKey := BuildS3Key(s.prefix, filepath.Base(metaPath), now)
		if err := s.uploadFile(ctx, metaKey, metaPath); err != nil {
			log.Warn().Err(err).Str("key", metaKey).Msg("dead-letter meta upload failed")
		}
	}

	return key, nil
}

// uploadFile retries with exponential backoff (capped at 2s), rewinding
// the file before every attempt.
func (s *Shipper) uploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var lastErr error
	backoff := s.backoff

	for attempt := 1; attempt <= s.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}

		if err := s.putObject(ctx, key, f, info.Size()); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("s3 put failed")
		}

		if attempt == s.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject is a single PutObject call bounded by s.timeout.
func (s *Shipper) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})

	return err
}
