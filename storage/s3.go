package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// DefaultAWSRegion is the fallback region for AWS S3 when none is resolved.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3 or S3-compatible store.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For MinIO and similar stores set Endpoint and
// usually ForcePathStyle.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`

	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// PublicRead uploads objects with the public-read canned ACL.
	PublicRead bool `mapstructure:"public_read" yaml:"public_read"`

	// PublicBaseURL overrides the URL returned for stored objects,
	// e.g. a CDN in front of the bucket.
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// Validate checks that required configuration is present.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return &StorageError{Op: "Config", Backend: ProviderS3, Err: errors.New("bucket is required")}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &StorageError{
			Op:      "Config",
			Backend: ProviderS3,
			Err:     errors.New("access_key_id and secret_access_key must be provided together"),
		}
	}
	return nil
}

// S3Store uploads artifacts to a bucket.
type S3Store struct {
	client  *s3.Client
	cfg     S3Config
	baseURL string
	now     func() time.Time
	newID   func() string
}

var _ ArtifactStore = (*S3Store)(nil)

// NewS3Store creates a store with the given configuration.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &StorageError{Op: "New", Backend: ProviderS3, Name: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Many S3-compatible stores reject the default flexible checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		})
	}

	return &S3Store{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:     cfg,
		baseURL: publicBaseURL(cfg, awsCfg.Region),
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// Store uploads r under a unique key and returns its public URL.
func (s *S3Store) Store(ctx context.Context, r io.Reader, name string) (string, error) {
	key := s.cfg.Prefix + ObjectKey(name, s.now(), s.newID())

	body, size, err := seekable(r)
	if err != nil {
		return "", &StorageError{Op: "Store", Backend: ProviderS3, Name: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if s.cfg.PublicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", s.wrapError("Store", key, err)
	}
	return s.objectURL(key), nil
}

func (s *S3Store) objectURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}

func publicBaseURL(cfg S3Config, region string) string {
	switch {
	case cfg.PublicBaseURL != "":
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}
}

// seekable returns a body the SDK can sign and retry, buffering r only when
// it cannot seek.
func seekable(r io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		cur, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, err
		}
		if _, err := rs.Seek(cur, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return rs, end - cur, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

func (s *S3Store) wrapError(op, key string, err error) error {
	wrapped := &StorageError{
		Op:      op,
		Backend: ProviderS3,
		Name:    s.cfg.Bucket + "/" + key,
		Err:     err,
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Code = "NoSuchBucket"
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped.Code = apiErr.ErrorCode()
	}
	return wrapped
}
