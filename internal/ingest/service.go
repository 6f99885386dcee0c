// Package ingest holds the producer side of the pipeline: accepting originals, answering status
// and result queries, and deleting uploads.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/blob"
	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/models"
	"image-upload-pipeline/internal/queue"
	"image-upload-pipeline/internal/store"
	"image-upload-pipeline/internal/telemetry"
)

// SubmitRequest is one uploaded file as received by the transport layer.
type SubmitRequest struct {
	Filename    string `validate:"required,max=255"`
	ContentType string `validate:"required"`
	Data        []byte `validate:"required,min=1"`
}

// Limits bound what Submit accepts.
type Limits struct {
	AllowedMimeTypes []string
	MaxBytes         int64
}

// LimitsFromConfig copies the ingress limits out of cfg.
func LimitsFromConfig(cfg config.Config) Limits {
	return Limits{AllowedMimeTypes: cfg.AllowedMimeTypes, MaxBytes: cfg.MaxUploadBytes()}
}

// Service implements submit, status, result, logs and delete over the repository, blob store
// and queue.
type Service struct {
	repo     store.Repository
	blobs    blob.Store
	queue    queue.Enqueuer
	limits   Limits
	validate *validator.Validate
	now      func() time.Time
}

func NewService(repo store.Repository, blobs blob.Store, q queue.Enqueuer, limits Limits) *Service {
	return &Service{
		repo:     repo,
		blobs:    blobs,
		queue:    q,
		limits:   limits,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the file, stores the original, records a pending upload and enqueues it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Upload, error) {
	if err := s.validate.Struct(req); err != nil {
		telemetry.UploadsRejected.WithLabelValues("invalid_request").Inc()
		return models.Upload{}, models.E(models.ErrValidation, "submit", err)
	}
	if !s.allowed(req.ContentType) {
		telemetry.UploadsRejected.WithLabelValues("content_type").Inc()
		return models.Upload{}, models.E(models.ErrValidation,
			fmt.Sprintf("file type not allowed. Allowed types: %s", strings.Join(s.limits.AllowedMimeTypes, ", ")), nil)
	}
	if size := int64(len(req.Data)); s.limits.MaxBytes > 0 && size > s.limits.MaxBytes {
		telemetry.UploadsRejected.WithLabelValues("size").Inc()
		return models.Upload{}, models.E(models.ErrValidation,
			fmt.Sprintf("file too large. Max size: %dMB", s.limits.MaxBytes/(1024*1024)), nil)
	}

	id := uuid.New().String()
	created := s.now()
	logger := log.With().Str("upload_id", id).Logger()

	original, err := s.blobs.Put(ctx, blob.Key(id, created, req.Filename, "", ""), req.Data, req.ContentType)
	if err != nil {
		return models.Upload{}, fmt.Errorf("store original: %w", err)
	}

	u, err := s.repo.CreateUpload(ctx, store.CreateUploadParams{
		ID:               id,
		OriginalFilename: req.Filename,
		OriginalURL:      original,
		FileSize:         int64(len(req.Data)),
		MimeType:         req.ContentType,
		CreatedAt:        created,
	})
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), original); derr != nil {
			logger.Warn().Err(derr).Str("locator", original).Msg("remove original after failed insert")
		}
		return models.Upload{}, fmt.Errorf("create upload: %w", err)
	}

	if err := s.queue.Enqueue(ctx, id); err != nil {
		msg := "enqueue failed: " + err.Error()
		if _, _, uerr := s.repo.UpdateStatus(context.WithoutCancel(ctx), id, models.StatusFailed, &msg); uerr != nil {
			logger.Error().Err(uerr).Msg("mark upload failed after enqueue error")
		}
		return models.Upload{}, models.E(models.ErrPersistence, "enqueue upload", err)
	}

	telemetry.UploadsAccepted.Inc()
	logger.Info().Str("filename", req.Filename).Int64("size", u.FileSize).Msg("upload accepted")
	return u, nil
}

func (s *Service) allowed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, a := range s.limits.AllowedMimeTypes {
		if strings.EqualFold(strings.TrimSpace(a), ct) {
			return true
		}
	}
	return false
}

// Status returns the latest committed record.
func (s *Service) Status(ctx context.Context, id string) (models.Upload, error) {
	u, found, err := s.repo.GetUpload(ctx, id)
	if err != nil {
		return models.Upload{}, err
	}
	if !found {
		return models.Upload{}, models.E(models.ErrNotFound, "upload "+id, nil)
	}
	return u, nil
}

// Result returns the record only once processing completed; otherwise ErrNotReady.
func (s *Service) Result(ctx context.Context, id string) (models.Upload, error) {
	u, err := s.Status(ctx, id)
	if err != nil {
		return models.Upload{}, err
	}
	if u.Status != models.StatusCompleted {
		return models.Upload{}, models.ErrNotReady
	}
	return u, nil
}

// Logs returns the processing audit trail in write order.
func (s *Service) Logs(ctx context.Context, id string) ([]models.ProcessingLog, error) {
	if _, err := s.Status(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListLogs(ctx, id)
}

// Delete removes the upload's objects and then its record. Blob failures are logged only.
func (s *Service) Delete(ctx context.Context, id string) error {
	u, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	logger := log.With().Str("upload_id", id).Logger()

	if c, ok := s.queue.(queue.Canceler); ok {
		if err := c.Cancel(ctx, id); err != nil {
			logger.Warn().Err(err).Msg("cancel queued job")
		}
	}

	for _, loc := range []*string{&u.OriginalURL, u.ThumbnailURL, u.ResizedURL, u.CompressedURL} {
		if loc == nil || *loc == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, *loc); err != nil {
			logger.Warn().Err(err).Str("locator", *loc).Msg("delete object")
		}
	}

	found, err := s.repo.DeleteUpload(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return models.E(models.ErrNotFound, "upload "+id, nil)
	}
	logger.Info().Msg("upload deleted")
	return nil
}
