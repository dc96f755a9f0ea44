package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is the byte-level object store contract the promotion core consumes.
type Client interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// BucketName maps an environment to its payload bucket. Every environment has
// an equivalently named bucket: {environment}-{baseBucket}.
func BucketName(environment, baseBucket string) string {
	return environment + "-" + baseBucket
}

// S3Client reads and writes content payloads in S3. Writes go through
// manager.Uploader for retries and multipart handling of large payloads.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Client builds a client from the default AWS config chain (AWS_REGION,
// AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Client(ctx context.Context) (*S3Client, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (c *S3Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (c *S3Client) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	return nil
}
