// Package store copies finished job workspaces to durable object storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/natcap/invest-compute/internal/apperrors"
	"github.com/natcap/invest-compute/internal/config"
)

// Store writes objects to a durable bucket. Writes are idempotent: putting
// the same key twice overwrites, which makes workspace re-uploads safe.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// S3Store implements Store on AWS S3 or any S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3 creates a store from configuration. The SDK's default credential
// chain applies unless explicit credentials are configured.
func NewS3(ctx context.Context, cfg config.StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store requires a bucket")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg config.StoreConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	// Only apply explicit region if one is configured; otherwise let the
	// SDK resolve it from the environment or profile.
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCreds))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// Put writes one object.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, classify(err))
	}
	return nil
}

// classify maps S3 API error codes onto the service error taxonomy so that
// transient bucket trouble reads as unavailable rather than a hard failure.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket", "NotFound":
		return apperrors.NotFound("bucket or key", apiErr.ErrorMessage())
	case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
		return apperrors.Unavailable("object store", apiErr.ErrorMessage())
	default:
		return err
	}
}

// Bucket returns the configured bucket name.
func (s *S3Store) Bucket() string { return s.bucket }

var _ Store = (*S3Store)(nil)
