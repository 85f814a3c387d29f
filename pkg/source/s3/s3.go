// Package s3 implements an S3-backed warm-up source for the cache.
//
// The filler streams objects from a bucket into cache entries through the
// producer API: it starts a stream, appends the object body in bounded
// chunks and finishes the entry, so consumers can begin reading an object
// while it is still being pulled from S3.
package s3

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/internal/ratelimiter"
	"github.com/marmos91/dittocache/pkg/cache"
)

// producerID identifies the filler as the authorized producer of the
// entries it creates.
const producerID = cache.ProducerID("source/s3")

// Metrics receives observations about warm-up transfers. A nil Metrics
// disables collection.
type Metrics interface {
	// ObserveFill records one successful transfer.
	ObserveFill(bytes int64, duration time.Duration)

	// ObserveFillError records one failed transfer.
	ObserveFillError()
}

// FillerConfig configures a Filler.
type FillerConfig struct {
	// Bucket is the source bucket. Required.
	Bucket string

	// Prefix restricts Warm to objects under it. Empty warms the whole
	// bucket.
	Prefix string

	// RatePerSecond bounds how many objects per second Warm transfers.
	// Zero means unlimited.
	RatePerSecond uint

	// Burst is the rate limiter's burst capacity. Zero defaults to
	// RatePerSecond.
	Burst uint

	// Metrics receives transfer observations. Optional.
	Metrics Metrics
}

// Filler streams S3 objects into cache entries.
//
// Thread Safety: safe for concurrent use; each Fill drives its own entry.
type Filler struct {
	client  *awss3.Client
	bucket  string
	prefix  string
	limiter *ratelimiter.RateLimiter
	metrics Metrics
}

// NewFiller creates a filler for the configured bucket.
func NewFiller(client *awss3.Client, cfg FillerConfig) *Filler {
	return &Filler{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		limiter: ratelimiter.New(cfg.RatePerSecond, cfg.Burst),
		metrics: cfg.Metrics,
	}
}

// Warm lists objects under the configured prefix and fills every one not
// already present in the cache, throttled by the configured rate limit.
// Returns the number of objects filled.
func (f *Filler) Warm(ctx context.Context, manager *cache.Manager) (int, error) {
	paginator := awss3.NewListObjectsV2Paginator(f.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket),
		Prefix: aws.String(f.prefix),
	})

	filled := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return filled, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := cache.Key(aws.ToString(obj.Key))
			if _, ok := manager.Get(key); ok {
				continue
			}

			if err := f.limiter.Wait(ctx); err != nil {
				return filled, err
			}
			if err := f.Fill(ctx, manager, key); err != nil {
				return filled, err
			}
			filled++
		}
	}

	return filled, nil
}

// Fill streams one object into the cache entry for key, creating the
// entry if needed. A failed transfer deletes the entry so a later attempt
// can start clean.
func (f *Filler) Fill(ctx context.Context, manager *cache.Manager, key cache.Key) error {
	start := time.Now()

	transferred, err := f.fill(ctx, manager, key)
	if err != nil {
		if f.metrics != nil {
			f.metrics.ObserveFillError()
		}
		return err
	}

	if f.metrics != nil {
		f.metrics.ObserveFill(transferred, time.Since(start))
	}
	logger.Debug("filled cache entry %q from s3://%s", key, f.bucket)
	return nil
}

func (f *Filler) fill(ctx context.Context, manager *cache.Manager, key cache.Key) (int64, error) {
	entry, err := manager.GetOrCreate(key, producerID)
	if err != nil {
		return 0, fmt.Errorf("failed to create entry for %q: %w", key, err)
	}

	out, err := f.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if err := entry.StartStream(producerID); err != nil {
		return 0, fmt.Errorf("failed to start stream for %q: %w", key, err)
	}

	transferred, err := f.copyBody(ctx, entry, out.Body)
	if err != nil {
		logger.Warn("aborting fill of %q: %v", key, err)
		_ = entry.Delete()
		return transferred, err
	}

	if err := entry.Finish(producerID); err != nil {
		return transferred, fmt.Errorf("failed to finish stream for %q: %w", key, err)
	}

	return transferred, nil
}

func (f *Filler) copyBody(ctx context.Context, entry *cache.Entry, body io.Reader) (int64, error) {
	var transferred int64
	for {
		if err := ctx.Err(); err != nil {
			return transferred, err
		}

		buf := make([]byte, cache.ChunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			// Each append hands the buffer to the entry; the next read
			// uses a fresh one.
			if err := entry.Append(producerID, buf[:n]); err != nil {
				return transferred, err
			}
			transferred += int64(n)
		}
		if err == io.EOF {
			return transferred, nil
		}
		if err != nil {
			return transferred, fmt.Errorf("failed to read object body: %w", err)
		}
	}
}
