package mio

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	CredentialsStatic     = "static"
	CredentialsAssumeRole = "sts_assume_role"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	BasePath        string
	Credentials     CredentialsConfig
	Retry           RetryConfig
}

// CredentialsConfig selects how the storage identity is minted. Static keys
// never expire; the assume-role source hands out session tokens that do.
type CredentialsConfig struct {
	Source          string
	STSEndpoint     string
	RoleARN         string
	RoleSessionName string
	DurationSeconds int
}

type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewCredentials(cfg Config) (*credentials.Credentials, error) {
	switch cfg.Credentials.Source {
	case "", CredentialsStatic:
		if cfg.AccessKeyID == "" {
			return nil, fmt.Errorf("empty MinIO access key")
		}
		return credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""), nil
	case CredentialsAssumeRole:
		if cfg.Credentials.STSEndpoint == "" {
			return nil, fmt.Errorf("empty STS endpoint")
		}
		creds, err := credentials.NewSTSAssumeRole(cfg.Credentials.STSEndpoint, credentials.STSAssumeRoleOptions{
			AccessKey:       cfg.AccessKeyID,
			SecretKey:       cfg.SecretAccessKey,
			RoleARN:         cfg.Credentials.RoleARN,
			RoleSessionName: cfg.Credentials.RoleSessionName,
			DurationSeconds: cfg.Credentials.DurationSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("STS assume role: %w", err)
		}
		return creds, nil
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cfg.Credentials.Source)
	}
}

// NewClient builds a client bound to creds. Callers that expire creds make the
// client fetch a fresh token on its next request.
func NewClient(ctx context.Context, cfg Config, creds *credentials.Credentials) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}

	if creds == nil {
		return nil, fmt.Errorf("nil MinIO credentials")
	}

	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 5
	}

	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = time.Second
	}

	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}

	var lastErr error
	interval := cfg.Retry.InitialInterval

	for attempt := range cfg.Retry.MaxRetries {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context canceled before MinIO init: %w", ctx.Err())
		}
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  creds,
			Secure: cfg.UseSSL,
		})
		if err != nil {
			lastErr = fmt.Errorf("create MinIO client: %w", err)
		} else {
			if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
				lastErr = err
			} else {
				return client, nil
			}
		}

		if attempt < cfg.Retry.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context canceled while waiting to retry MinIO: %w", ctx.Err())
			case <-time.After(interval):
				interval *= 2
				if interval > cfg.Retry.MaxInterval {
					interval = cfg.Retry.MaxInterval
				}
			}
		}
	}

	return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", cfg.Retry.MaxRetries, lastErr)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
