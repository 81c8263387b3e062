package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/storage"
)

// API is the subset of the S3 client used to store key content.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds the bucket location and credentials of an S3 storage service.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// UsePathStyle addresses the bucket in the path, as most S3-compatible
	// servers expect when Endpoint is set.
	UsePathStyle bool
}

// Service stores encoded key content as S3 objects.
type Service struct {
	client API
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewService creates a service using the default AWS credential chain, or
// static credentials when an access key is configured.
func NewService(ctx context.Context, cfg Config, logger *logrus.Logger) (*Service, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for S3-compatible servers
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewServiceWithClient(s3.NewFromConfig(awsCfg, s3Options...), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewServiceWithClient creates a service over an existing client.
func NewServiceWithClient(client API, bucket, prefix string, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// IDToPath returns the object key for id: prefix, id and suffix joined
// with a single slash after a non-empty prefix.
func (s *Service) IDToPath(id, suffix string) string {
	if s.prefix == "" {
		return id + suffix
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + id + suffix
}

// ContentStream opens the object at path.
func (s *Service) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", s.bucket, path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", s.bucket, path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    path,
	}).Debug("Opened key object")
	return result.Body, nil
}

// StoreContent writes blobs as a single object at path.
func (s *Service) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	body := blob.EncodeToBytes(blobs)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(blob.ContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", s.bucket, path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    path,
		"bytes":  len(body),
	}).Debug("Stored key object")
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
