package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const uploadColumns = `id::text, original_filename, original_url, thumbnail_url, resized_url, compressed_url,
	status, error_message, file_size, mime_type, width, height,
	processing_started_at, processing_completed_at, created_at, updated_at`

// CreateUpload inserts a pending upload row.
func (s *Store) CreateUpload(ctx context.Context, p CreateUploadParams) (models.Upload, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return models.Upload{}, models.E(models.ErrValidation, "create upload: invalid id", err)
	}
	now := p.CreatedAt.UTC()
	if p.CreatedAt.IsZero() {
		now = time.Now().UTC()
	}
	now = now.Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Upload{}, models.E(models.ErrPersistence, "begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO uploads (id, original_filename, original_url, status, file_size, mime_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.OriginalFilename, p.OriginalURL, models.StatusPending, p.FileSize, p.MimeType, now)
	if err != nil {
		return models.Upload{}, models.E(models.ErrPersistence, "insert upload", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Upload{}, models.E(models.ErrPersistence, "commit", err)
	}

	return models.Upload{
		ID:               id,
		OriginalFilename: p.OriginalFilename,
		OriginalURL:      p.OriginalURL,
		Status:           models.StatusPending,
		FileSize:         p.FileSize,
		MimeType:         p.MimeType,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetUpload fetches an upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (models.Upload, bool, error) {
	if !validID(id) {
		return models.Upload{}, false, nil
	}
	u, err := scanUpload(s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Upload{}, false, nil
	}
	if err != nil {
		return models.Upload{}, false, models.E(models.ErrPersistence, "get upload", err)
	}
	return u, true, nil
}

// UpdateStatus locks the row, applies the transition and writes it back in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, id, status string, errMsg *string) (models.Upload, bool, error) {
	if !models.ValidStatus(status) {
		return models.Upload{}, false, models.E(models.ErrValidation, fmt.Sprintf("update status: unknown status %q", status), nil)
	}
	return s.mutate(ctx, "update status", id, func(u *models.Upload, now time.Time) {
		u.ApplyStatus(status, errMsg, now)
	})
}

// UpdateDerivativeURLs sets whichever derivative locators are provided.
func (s *Store) UpdateDerivativeURLs(ctx context.Context, id string, urls models.DerivativeURLs) (models.Upload, bool, error) {
	return s.mutate(ctx, "update derivatives", id, func(u *models.Upload, now time.Time) {
		u.ApplyDerivatives(urls, now)
	})
}

// SetDimensions records the decoded pixel size of the original.
func (s *Store) SetDimensions(ctx context.Context, id string, width, height int) (bool, error) {
	_, found, err := s.mutate(ctx, "set dimensions", id, func(u *models.Upload, now time.Time) {
		u.Width = &width
		u.Height = &height
		u.UpdatedAt = now
	})
	return found, err
}

func (s *Store) mutate(ctx context.Context, op, id string, apply func(*models.Upload, time.Time)) (models.Upload, bool, error) {
	if !validID(id) {
		return models.Upload{}, false, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Upload{}, false, models.E(models.ErrPersistence, op+": begin tx", err)
	}
	defer tx.Rollback(ctx)

	u, err := scanUpload(tx.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Upload{}, false, nil
	}
	if err != nil {
		return models.Upload{}, false, models.E(models.ErrPersistence, op+": select", err)
	}

	apply(&u, time.Now().UTC().Truncate(time.Microsecond))

	_, err = tx.Exec(ctx, `
		UPDATE uploads
		SET status = $2, error_message = $3, thumbnail_url = $4, resized_url = $5, compressed_url = $6,
		    width = $7, height = $8, processing_started_at = $9, processing_completed_at = $10, updated_at = $11
		WHERE id = $1
	`, u.ID, u.Status, u.ErrorMessage, u.ThumbnailURL, u.ResizedURL, u.CompressedURL,
		u.Width, u.Height, u.ProcessingStartedAt, u.ProcessingCompletedAt, u.UpdatedAt)
	if err != nil {
		return models.Upload{}, false, models.E(models.ErrPersistence, op+": update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Upload{}, false, models.E(models.ErrPersistence, op+": commit", err)
	}
	return u, true, nil
}

// AppendLog adds an audit row. A missing upload violates the foreign key and surfaces as a persistence error.
func (s *Store) AppendLog(ctx context.Context, uploadID, step, status string, message *string, durationMs *int64) (models.ProcessingLog, error) {
	if !validID(uploadID) {
		return models.ProcessingLog{}, models.E(models.ErrPersistence, "append log", fmt.Errorf("upload %q does not exist", uploadID))
	}
	entry := models.ProcessingLog{
		UploadID:   uploadID,
		Step:       step,
		Status:     status,
		Message:    message,
		DurationMs: durationMs,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processing_logs (upload_id, step, status, message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`, uploadID, step, status, message, durationMs).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return models.ProcessingLog{}, models.E(models.ErrPersistence, "append log", err)
	}
	return entry, nil
}

// ListLogs returns an upload's processing logs in write order.
func (s *Store) ListLogs(ctx context.Context, uploadID string) ([]models.ProcessingLog, error) {
	if !validID(uploadID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, upload_id::text, step, status, message, duration_ms, created_at
		FROM processing_logs WHERE upload_id = $1 ORDER BY id
	`, uploadID)
	if err != nil {
		return nil, models.E(models.ErrPersistence, "list logs", err)
	}
	defer rows.Close()

	var out []models.ProcessingLog
	for rows.Next() {
		var entry models.ProcessingLog
		var msg pgtype.Text
		var dur pgtype.Int8
		if err := rows.Scan(&entry.ID, &entry.UploadID, &entry.Step, &entry.Status, &msg, &dur, &entry.CreatedAt); err != nil {
			return nil, models.E(models.ErrPersistence, "scan log", err)
		}
		entry.Message = textPtr(msg)
		entry.DurationMs = int8Ptr(dur)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, models.E(models.ErrPersistence, "list logs", err)
	}
	return out, nil
}

// DeleteUpload removes an upload and its logs in one transaction.
func (s *Store) DeleteUpload(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	return s.deleteOne(ctx, id, "")
}

// PurgeFailedOlderThan deletes failed uploads created more than age ago, one transaction per upload.
func (s *Store) PurgeFailedOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	rows, err := s.pool.Query(ctx, `
		SELECT id::text FROM uploads WHERE status = $1 AND created_at < $2
	`, models.StatusFailed, cutoff)
	if err != nil {
		return 0, models.E(models.ErrPersistence, "select failed uploads", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, models.E(models.ErrPersistence, "collect failed uploads", err)
	}

	var purged int
	var errs []error
	for _, id := range ids {
		deleted, err := s.deleteOne(ctx, id, models.StatusFailed)
		if err != nil {
			log.Error().Err(err).Str("upload_id", id).Msg("purge failed upload")
			errs = append(errs, err)
			continue
		}
		if deleted {
			purged++
		}
	}
	return purged, errors.Join(errs...)
}

// deleteOne removes logs and the upload row. A non-empty onlyStatus guards against
// deleting a row whose status changed since it was selected.
func (s *Store) deleteOne(ctx context.Context, id, onlyStatus string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, models.E(models.ErrPersistence, "delete upload: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if onlyStatus != "" {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM uploads WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && status != onlyStatus) {
			return false, nil
		}
		if err != nil {
			return false, models.E(models.ErrPersistence, "delete upload: lock", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM processing_logs WHERE upload_id = $1`, id); err != nil {
		return false, models.E(models.ErrPersistence, "delete logs", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return false, models.E(models.ErrPersistence, "delete upload", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, models.E(models.ErrPersistence, "delete upload: commit", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanUpload(row pgx.Row) (models.Upload, error) {
	var u models.Upload
	var thumb, resized, compressed, errMsg pgtype.Text
	var width, height pgtype.Int4
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&u.ID, &u.OriginalFilename, &u.OriginalURL, &thumb, &resized, &compressed,
		&u.Status, &errMsg, &u.FileSize, &u.MimeType, &width, &height,
		&started, &completed, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return models.Upload{}, err
	}
	u.ThumbnailURL = textPtr(thumb)
	u.ResizedURL = textPtr(resized)
	u.CompressedURL = textPtr(compressed)
	u.ErrorMessage = textPtr(errMsg)
	u.Width = int4Ptr(width)
	u.Height = int4Ptr(height)
	u.ProcessingStartedAt = timePtr(started)
	u.ProcessingCompletedAt = timePtr(completed)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int4Ptr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if v.Valid {
		return &v.Int64
	}
	return nil
}

func timePtr(v pgtype.Timestamptz) *time.Time {
	if v.Valid {
		t := v.Time.UTC()
		return &t
	}
	return nil
}
