package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/models"
)

// Repository is the durable record of uploads and their processing logs.
// Get/update/delete report an absent upload with a false flag, never an error.
type Repository interface {
	CreateUpload(ctx context.Context, p CreateUploadParams) (models.Upload, error)
	GetUpload(ctx context.Context, id string) (models.Upload, bool, error)
	UpdateStatus(ctx context.Context, id, status string, errMsg *string) (models.Upload, bool, error)
	UpdateDerivativeURLs(ctx context.Context, id string, urls models.DerivativeURLs) (models.Upload, bool, error)
	SetDimensions(ctx context.Context, id string, width, height int) (bool, error)
	AppendLog(ctx context.Context, uploadID, step, status string, message *string, durationMs *int64) (models.ProcessingLog, error)
	ListLogs(ctx context.Context, uploadID string) ([]models.ProcessingLog, error)
	DeleteUpload(ctx context.Context, id string) (bool, error)
	PurgeFailedOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// CreateUploadParams collects inputs required to insert an upload.
// ID and CreatedAt are generated when left empty.
type CreateUploadParams struct {
	ID               string
	OriginalFilename string
	OriginalURL      string
	FileSize         int64
	MimeType         string
	CreatedAt        time.Time
}

// ErrProcessLocalStore is returned by Open for the memory driver: the api and worker processes
// would each see their own empty store.
var ErrProcessLocalStore = errors.New("memory store is process-local and cannot be shared by the api and worker; use STORE_DRIVER=postgres")

// Open returns the repository selected by cfg.StoreDriver for the api and worker binaries.
// Postgres is migrated before use. The returned func releases the connection pool.
// MemoryStore is only constructed directly, by in-process tests.
func Open(ctx context.Context, cfg config.Config) (Repository, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return nil, nil, ErrProcessLocalStore
	case "postgres", "":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
