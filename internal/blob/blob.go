package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/models"
)

// ErrObjectNotFound marks a Get for a key that does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Store puts and fetches opaque bytes by key. Put returns a public locator; Get and Delete accept one.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "minio":
		return NewMinioStore(ctx, cfg)
	case "local":
		return NewLocalStore(cfg.LocalDir, NewLocator(cfg.PublicBaseURL, cfg.Bucket))
	case "none", "":
		return Unconfigured{}, nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

// Locator maps object keys to public URLs of the form {base}/{bucket}/{key} and back.
type Locator struct {
	base   string
	bucket string
}

func NewLocator(baseURL, bucket string) Locator {
	return Locator{base: strings.TrimRight(baseURL, "/"), bucket: strings.Trim(bucket, "/")}
}

// URL returns the public locator for key.
func (l Locator) URL(key string) string {
	return l.base + "/" + l.bucket + "/" + strings.TrimLeft(key, "/")
}

// Key extracts the object key from a locator produced by URL.
func (l Locator) Key(locator string) (string, error) {
	prefix := l.base + "/" + l.bucket + "/"
	if !strings.HasPrefix(locator, prefix) || len(locator) == len(prefix) {
		return "", fmt.Errorf("locator %q is not under %s", locator, prefix)
	}
	return strings.TrimPrefix(locator, prefix), nil
}

// Key builds the deterministic object key uploads/{yyyy}/{mm}/{dd}/{id}/{name}[_{suffix}].{ext}.
// The date comes from the upload's creation time so every attempt writes the same keys.
func Key(uploadID string, created time.Time, filename, suffix, ext string) string {
	name := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	name = sanitizeName(name)
	if name == "" {
		name = "image"
	}
	if suffix != "" {
		name = name + "_" + suffix
	}
	if ext == "" {
		ext = strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	}
	if ext != "" {
		name = name + "." + ext
	}
	return path.Join("uploads", created.UTC().Format("2006/01/02"), uploadID, name)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

// Unconfigured is used when no backend is selected. Every call fails with a storage error.
type Unconfigured struct{}

var errNotConfigured = errors.New("blob store not configured")

func (Unconfigured) Put(context.Context, string, []byte, string) (string, error) {
	return "", models.E(models.ErrStorage, "put", errNotConfigured)
}

func (Unconfigured) Get(context.Context, string) ([]byte, error) {
	return nil, models.E(models.ErrStorage, "get", errNotConfigured)
}

func (Unconfigured) Delete(context.Context, string) error {
	return models.E(models.ErrStorage, "delete", errNotConfigured)
}
