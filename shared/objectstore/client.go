package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object store connection configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Client wraps a MinIO connection scoped to a single bucket. It issues
// the time-limited download/upload URLs the dispatch path depends on.
type Client struct {
	mc     *minio.Client
	bucket string
	logger *slog.Logger
}

// NewClient creates a new object store client.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Client{mc: mc, bucket: config.Bucket, logger: logger}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	c.logger.Info("Created object store bucket", slog.String("bucket", c.bucket))
	return nil
}

// PresignDownload returns a time-limited GET URL for an object key.
func (c *Client) PresignDownload(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, objectKey, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// PresignUpload returns a time-limited PUT URL for an object key.
func (c *Client) PresignUpload(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedPutObject(ctx, c.bucket, objectKey, ttl)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// StatObject verifies an object exists and returns its size.
func (c *Client) StatObject(ctx context.Context, objectKey string) (int64, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return info.Size, nil
}

// PutObject stores a small payload under an object key.
func (c *Client) PutObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
