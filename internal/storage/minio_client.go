package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"qatrack/internal/domain/upload"
	qatrack_errors "qatrack/pkg/errors"
)

// MinioClient speaks the same multipart protocol against a MinIO deployment.
type MinioClient struct {
	cfg  S3Config
	core *minio.Core
	now  func() time.Time
}

func NewMinioClient(cfg S3Config) (*MinioClient, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, qatrack_errors.BackendUnavailable(nil, false, "minio endpoint and bucket are required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, qatrack_errors.BackendUnavailable(nil, false, "minio credentials are required")
	}

	host := cfg.Endpoint
	secure := cfg.UseSSL
	if parsed, err := url.Parse(cfg.Endpoint); err == nil && parsed.Host != "" {
		host = parsed.Host
		secure = parsed.Scheme == "https"
	}

	core, err := minio.NewCore(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, qatrack_errors.BackendUnavailable(err, false, "create minio client")
	}
	return &MinioClient{cfg: cfg, core: core, now: time.Now}, nil
}

func (c *MinioClient) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	uploadID, err := c.core.NewMultipartUpload(ctx, c.cfg.Bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", classifyMinio("create multipart upload", err)
	}
	return uploadID, nil
}

func (c *MinioClient) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (PresignedRequest, error) {
	ttl := c.cfg.presignTTL()
	expiresAt := c.now().Add(ttl)
	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(int(partNumber)))
	params.Set("uploadId", uploadID)
	u, err := c.core.Presign(ctx, http.MethodPut, c.cfg.Bucket, key, ttl, params)
	if err != nil {
		return PresignedRequest{}, classifyMinio("presign upload part", err)
	}
	return PresignedRequest{URL: u.String(), ExpiresAt: expiresAt}, nil
}

func (c *MinioClient) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []upload.CompletedPart) (string, error) {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: int(p.PartNumber), ETag: p.ETag})
	}
	info, err := c.core.CompleteMultipartUpload(ctx, c.cfg.Bucket, key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return "", classifyMinio("complete multipart upload", err)
	}
	return info.ETag, nil
}

func (c *MinioClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return classifyMinio("abort multipart upload", c.core.AbortMultipartUpload(ctx, c.cfg.Bucket, key, uploadID))
}

func (c *MinioClient) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := c.core.StatObject(ctx, c.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classifyMinio("stat object", err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag, ContentType: info.ContentType}, nil
}

func (c *MinioClient) PresignGetObject(ctx context.Context, key, fileName string) (PresignedRequest, error) {
	ttl := c.cfg.downloadTTL()
	expiresAt := c.now().Add(ttl)
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	u, err := c.core.PresignedGetObject(ctx, c.cfg.Bucket, key, ttl, params)
	if err != nil {
		return PresignedRequest{}, classifyMinio("presign get object", err)
	}
	return PresignedRequest{URL: u.String(), ExpiresAt: expiresAt}, nil
}

func (c *MinioClient) DeleteObject(ctx context.Context, key string) error {
	return classifyMinio("delete object", c.core.RemoveObject(ctx, c.cfg.Bucket, key, minio.RemoveObjectOptions{}))
}

func (c *MinioClient) ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUpload, error) {
	var uploads []MultipartUpload
	for info := range c.core.ListIncompleteUploads(ctx, c.cfg.Bucket, prefix, true) {
		if info.Err != nil {
			return nil, classifyMinio("list multipart uploads", info.Err)
		}
		uploads = append(uploads, MultipartUpload{Key: info.Key, UploadID: info.UploadID, Initiated: info.Initiated})
	}
	return uploads, nil
}
