package models

import (
	"time"
)

// Upload lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Processing steps recorded in the audit trail.
const (
	StepStart     = "start"
	StepDownload  = "download"
	StepValidate  = "validate"
	StepResize    = "resize"
	StepThumbnail = "thumbnail"
	StepCompress  = "compress"
	StepUpload    = "upload"
	StepComplete  = "complete"
	StepError     = "error"
)

// Step outcomes.
const (
	LogStarted   = "started"
	LogCompleted = "completed"
	LogFailed    = "failed"
)

// Upload is one submitted image and the state of its derivative processing.
type Upload struct {
	ID                    string     `json:"id"`
	OriginalFilename      string     `json:"original_filename"`
	OriginalURL           string     `json:"original_url"`
	ThumbnailURL          *string    `json:"thumbnail_url,omitempty"`
	ResizedURL            *string    `json:"resized_url,omitempty"`
	CompressedURL         *string    `json:"compressed_url,omitempty"`
	Status                string     `json:"status"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	FileSize              int64      `json:"file_size"`
	MimeType              string     `json:"mime_type"`
	Width                 *int       `json:"width,omitempty"`
	Height                *int       `json:"height,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// DerivativeURLs is a partial update of the three derivative locators. Nil fields are left untouched.
type DerivativeURLs struct {
	Thumbnail  *string
	Resized    *string
	Compressed *string
}

// ProcessingLog is an immutable audit row for one processing step.
type ProcessingLog struct {
	ID         int64     `json:"id"`
	UploadID   string    `json:"upload_id"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Message    *string   `json:"message,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidStatus reports whether s is a known upload status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ApplyStatus moves the upload to status and applies the transition side effects.
// Timestamps are only ever set once, the error message only survives a move to failed,
// and a failed upload never advertises derivative locators.
func (u *Upload) ApplyStatus(status string, errMsg *string, now time.Time) {
	u.Status = status
	u.UpdatedAt = now

	if status == StatusFailed {
		u.ErrorMessage = errMsg
		u.ThumbnailURL = nil
		u.ResizedURL = nil
		u.CompressedURL = nil
	} else {
		u.ErrorMessage = nil
	}

	if status == StatusProcessing && u.ProcessingStartedAt == nil {
		t := now
		u.ProcessingStartedAt = &t
	}
	if status == StatusCompleted && u.ProcessingCompletedAt == nil {
		t := now
		u.ProcessingCompletedAt = &t
	}
}

// ApplyDerivatives copies the non-nil locators onto the upload.
func (u *Upload) ApplyDerivatives(d DerivativeURLs, now time.Time) {
	if d.Thumbnail != nil {
		u.ThumbnailURL = d.Thumbnail
	}
	if d.Resized != nil {
		u.ResizedURL = d.Resized
	}
	if d.Compressed != nil {
		u.CompressedURL = d.Compressed
	}
	u.UpdatedAt = now
}
