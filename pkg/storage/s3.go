package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// s3MaxRetries bounds the upload retry loop
const s3MaxRetries = 3

// s3RetryDelay spaces upload retries
const s3RetryDelay = 2 * time.Second

// S3Storage keeps blobs in an S3-compatible bucket
type S3Storage struct {
	client *s3.Client
	bucket string
	logger logger.Logger
}

// NewS3Storage creates the backend from the storage configuration
func NewS3Storage(cfg config.StorageConfig, log logger.Logger) (*S3Storage, error) {
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	var awsCfg aws.Config
	var err error
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.S3.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.S3.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	options := []func(*s3.Options){
		func(o *s3.Options) {
			// Path style keeps MinIO and other S3-compatibles working
			o.UsePathStyle = true
		},
	}
	if cfg.S3.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		})
	}

	return &S3Storage{
		client: s3.NewFromConfig(awsCfg, options...),
		bucket: cfg.S3.Bucket,
		logger: log,
	}, nil
}

// Upload stores a blob, retrying transient failures
func (s *S3Storage) Upload(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s3MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("Retrying S3 upload",
				logger.Int("attempt", attempt),
				logger.String("key", key),
			)
			time.Sleep(s3RetryDelay)
		}

		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(normalizeKey(key)),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			lastErr = err
			continue
		}

		s.logger.Debug("S3 blob stored",
			logger.String("key", key),
			logger.Int64("size", size),
		)
		return nil
	}

	return fmt.Errorf("S3 upload failed after %d attempts: %w", s3MaxRetries+1, lastErr)
}

// Download returns the blob's content
func (s *S3Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(normalizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return result.Body, nil
}

// Delete removes the blob
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(normalizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// Exists reports whether the key holds a blob
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(normalizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List enumerates blobs under a prefix
func (s *S3Storage) List(ctx context.Context, prefix string, maxKeys int) ([]Object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(normalizeKey(prefix)),
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}

	objects := make([]Object, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			if maxKeys > 0 && len(objects) >= maxKeys {
				return objects, nil
			}
		}
	}
	return objects, nil
}

// GetURL returns a pre-signed URL for the blob
func (s *S3Storage) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presign := s3.NewPresignClient(s.client)
	result, err := presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(normalizeKey(key)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate pre-signed URL: %w", err)
	}
	return result.URL, nil
}

// Close releases the backend
func (s *S3Storage) Close() error { return nil }

func normalizeKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}
