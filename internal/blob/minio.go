package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/models"
)

// MinioStore writes objects to a MinIO (or any S3-compatible) server through minio-go.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	locator Locator
}

// NewMinioStore connects to the endpoint and creates the bucket when missing.
func NewMinioStore(ctx context.Context, cfg config.BlobConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access key and secret key are required")
	}
	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.Bucket).Msg("unable to create bucket, ensure it exists")
		} else {
			log.Info().Str("bucket", cfg.Bucket).Msg("created bucket")
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, locator: NewLocator(cfg.PublicBaseURL, cfg.Bucket)}, nil
}

func (m *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", models.E(models.ErrStorage, "put object "+key, err)
	}
	return m.locator.URL(key), nil
}

func (m *MinioStore) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := m.locator.Key(locator)
	if err != nil {
		return nil, models.E(models.ErrStorage, "get", err)
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, models.E(models.ErrStorage, "get object "+key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, models.E(models.ErrStorage, "get object "+key, ErrObjectNotFound)
		}
		return nil, models.E(models.ErrStorage, "read object "+key, err)
	}
	return data, nil
}

func (m *MinioStore) Delete(ctx context.Context, locator string) error {
	key, err := m.locator.Key(locator)
	if err != nil {
		return models.E(models.ErrStorage, "delete", err)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return models.E(models.ErrStorage, "remove object "+key, err)
	}
	return nil
}
