package storage

import (
	"context"
	"time"

	"qatrack/internal/domain/upload"
	qatrack_errors "qatrack/pkg/errors"
)

const (
	DriverS3    = "s3"
	DriverMinio = "minio"

	// MaxParts is the largest part number a multipart upload accepts.
	MaxParts = 10000
	// MinPartSize is the smallest size allowed for every part except the last.
	MinPartSize = 5 * 1024 * 1024

	DefaultPresignTTL  = time.Hour
	DefaultDownloadTTL = 15 * time.Minute
)

type S3Config struct {
	Driver      string
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	UseSSL      bool
	PresignTTL  time.Duration
	DownloadTTL time.Duration
}

// Gateway translates the three phase multipart protocol into backend calls.
type Gateway interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (PresignedRequest, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []upload.CompletedPart) (string, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
	PresignGetObject(ctx context.Context, key, fileName string) (PresignedRequest, error)
	DeleteObject(ctx context.Context, key string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUpload, error)
}

type PresignedRequest struct {
	URL       string
	ExpiresAt time.Time
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
}

type MultipartUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// New builds the gateway for cfg.Driver.
func New(ctx context.Context, cfg S3Config) (Gateway, error) {
	switch cfg.Driver {
	case "", DriverS3:
		c, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverMinio:
		c, err := NewMinioClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, qatrack_errors.BackendUnavailable(nil, false, "unknown storage driver %q", cfg.Driver)
	}
}

func (c S3Config) presignTTL() time.Duration {
	if c.PresignTTL > 0 {
		return c.PresignTTL
	}
	return DefaultPresignTTL
}

func (c S3Config) downloadTTL() time.Duration {
	if c.DownloadTTL > 0 {
		return c.DownloadTTL
	}
	return DefaultDownloadTTL
}
