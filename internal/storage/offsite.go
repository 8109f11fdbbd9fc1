// internal/storage/offsite.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// OffsiteConfig configures the S3-compatible bucket that receives copies of
// verified backups
type OffsiteConfig struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Replicator copies backup artifacts to an S3-compatible bucket
type S3Replicator struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Replicator creates a replicator. Without static keys the default
// credential chain of the SDK is left in place.
func NewS3Replicator(cfg OffsiteConfig, logger *zap.Logger) (*S3Replicator, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("offsite: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
		// S3-compatible stores often reject the newer default checksums
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}

	return &S3Replicator{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// buildKey constructs the full S3 key with prefix
func (r *S3Replicator) buildKey(name string) string {
	return path.Join(r.prefix, name)
}

// Replicate uploads src under name and returns the object key
func (r *S3Replicator) Replicate(ctx context.Context, name string, src io.Reader, size int64) (string, error) {
	key := r.buildKey(name)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        src,
		ContentType: aws.String("application/octet-stream"),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := r.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	r.logger.Debug("replicated backup offsite",
		zap.String("key", key),
		zap.String("bucket", r.bucket),
		zap.Int64("size", size))

	return key, nil
}

// Fetch downloads the object at key into dst
func (r *S3Replicator) Fetch(ctx context.Context, key string, dst io.Writer) (int64, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	n, err := io.Copy(dst, result.Body)
	if err != nil {
		return n, fmt.Errorf("read object %s: %w", key, err)
	}
	return n, nil
}
