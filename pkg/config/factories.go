package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/index"
	s3source "github.com/marmos91/dittocache/pkg/source/s3"
)

// CreateIndex creates the persistent entry index, or nil when disabled.
func CreateIndex(cfg *IndexConfig) (*index.BadgerIndex, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	idx, err := index.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return idx, nil
}

// CreateManager creates the cache manager from configuration. idx may be
// nil (no persistence) and observer may be nil (no notifications).
func CreateManager(cfg *CacheConfig, idx *index.BadgerIndex, observer cache.Observer) (*cache.Manager, error) {
	mcfg := cache.ManagerConfig{Root: cfg.Root, Observer: observer}
	if idx != nil {
		mcfg.Index = idx
	}

	manager, err := cache.NewManager(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache manager: %w", err)
	}
	return manager, nil
}

// CreateFiller creates the warm-up source based on configuration.
// Returns nil when no source is configured.
//
// This factory uses the Type field to determine which source to create,
// then decodes the type-specific configuration from the corresponding
// map and passes it to the source's constructor.
func CreateFiller(ctx context.Context, cfg *SourceConfig, m s3source.Metrics) (*s3source.Filler, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "s3":
		return createS3Filler(ctx, cfg.S3, m)
	default:
		return nil, fmt.Errorf("unknown source type: %q", cfg.Type)
	}
}

// createS3Filler creates an S3-backed warm-up source.
func createS3Filler(ctx context.Context, options map[string]any, m s3source.Metrics) (*s3source.Filler, error) {
	// Define the configuration struct for the S3 source
	type S3SourceConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		Prefix          string `mapstructure:"prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`

		// WarmRate bounds warm-up transfers per second (0 = unlimited)
		WarmRate  uint `mapstructure:"warm_rate"`
		WarmBurst uint `mapstructure:"warm_burst"`
	}

	var srcCfg S3SourceConfig
	if err := mapstructure.Decode(options, &srcCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 source config: %w", err)
	}

	if srcCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 source: bucket is required")
	}
	if srcCfg.Region == "" {
		return nil, fmt.Errorf("S3 source: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(srcCfg.Region))

	// Static credentials if provided, otherwise the default chain
	if srcCfg.AccessKeyID != "" && srcCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			srcCfg.AccessKeyID,
			srcCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoint for MinIO, Localstack, etc.
		if srcCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(srcCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return s3source.NewFiller(client, s3source.FillerConfig{
		Bucket:        srcCfg.Bucket,
		Prefix:        srcCfg.Prefix,
		RatePerSecond: srcCfg.WarmRate,
		Burst:         srcCfg.WarmBurst,
		Metrics:       m,
	}), nil
}
