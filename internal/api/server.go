package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/ingest"
	"image-upload-pipeline/internal/models"
	"image-upload-pipeline/internal/ratelimit"
	"image-upload-pipeline/internal/telemetry"
)

// multipartOverhead is allowed on top of the file size limit for boundaries and part headers.
const multipartOverhead = 1 << 20

// Uploads is the producer logic behind the HTTP surface.
type Uploads interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (models.Upload, error)
	Status(ctx context.Context, id string) (models.Upload, error)
	Result(ctx context.Context, id string) (models.Upload, error)
	Logs(ctx context.Context, id string) ([]models.ProcessingLog, error)
	Delete(ctx context.Context, id string) error
}

// Options configure optional parts of the router.
type Options struct {
	MaxUploadBytes int64
	// Limiter throttles POST /upload per client address; nil disables throttling.
	Limiter *ratelimit.TokenBucket
	// FilesPrefix and Files serve locally stored objects, e.g. "/files".
	FilesPrefix string
	Files       http.Handler
	// Health reports backend connectivity for /healthz; nil always reports ok.
	Health func(ctx context.Context) error
}

// Server wires HTTP handlers for the upload API.
type Server struct {
	uploads Uploads
	opts    Options
}

// New constructs the API server.
func New(uploads Uploads, opts Options) *Server {
	return &Server{uploads: uploads, opts: opts}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/upload", func(r chi.Router) {
		r.With(s.throttle).Post("/", s.handleUpload)
		r.Get("/{id}/status", s.handleStatus)
		r.Get("/{id}/result", s.handleResult)
		r.Get("/{id}/logs", s.handleLogs)
		r.Delete("/{id}", s.handleDelete)
	})

	if s.opts.Files != nil {
		prefix := "/" + strings.Trim(s.opts.FilesPrefix, "/")
		r.Handle(prefix+"/*", http.StripPrefix(prefix, s.opts.Files))
	}
	return r
}

type uploadResponse struct {
	UploadID    string    `json:"upload_id"`
	StatusURL   string    `json:"status_url"`
	ResultURL   string    `json:"result_url"`
	OriginalURL string    `json:"original_url"`
	CreatedAt   time.Time `json:"created_at"`
}

type statusResponse struct {
	UploadID              string     `json:"upload_id"`
	Status                string     `json:"status"`
	ErrorMessage          *string    `json:"error_message"`
	Width                 *int       `json:"width,omitempty"`
	Height                *int       `json:"height,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

type resultResponse struct {
	UploadID      string    `json:"upload_id"`
	Status        string    `json:"status"`
	OriginalURL   string    `json:"original_url"`
	ThumbnailURL  *string   `json:"thumbnail_url"`
	ResizedURL    *string   `json:"resized_url"`
	CompressedURL *string   `json:"compressed_url"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+multipartOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			telemetry.UploadsRejected.WithLabelValues("size").Inc()
			fail(w, http.StatusBadRequest, fmt.Sprintf("File too large. Max size: %dMB", s.opts.MaxUploadBytes/(1024*1024)), nil)
			return
		}
		telemetry.UploadsRejected.WithLabelValues("invalid_request").Inc()
		fail(w, http.StatusBadRequest, "multipart field \"file\" is required", err)
		return
	}
	defer file.Close()

	var reader io.Reader = file
	if s.opts.MaxUploadBytes > 0 {
		// one byte past the limit is enough for the size check to reject it
		reader = io.LimitReader(file, s.opts.MaxUploadBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		fail(w, http.StatusBadRequest, "failed to read upload", err)
		return
	}

	u, err := s.uploads.Submit(r.Context(), ingest.SubmitRequest{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		s.writeError(w, r, "Failed to upload image", err)
		return
	}

	succeed(w, http.StatusAccepted, "Image uploaded successfully. Processing started.", uploadResponse{
		UploadID:    u.ID,
		StatusURL:   "/upload/" + u.ID + "/status",
		ResultURL:   "/upload/" + u.ID + "/result",
		OriginalURL: u.OriginalURL,
		CreatedAt:   u.CreatedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	u, err := s.uploads.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Failed to get status", err)
		return
	}
	succeed(w, http.StatusOK, "Status retrieved successfully", statusResponse{
		UploadID:              u.ID,
		Status:                u.Status,
		ErrorMessage:          u.ErrorMessage,
		Width:                 u.Width,
		Height:                u.Height,
		ProcessingStartedAt:   u.ProcessingStartedAt,
		ProcessingCompletedAt: u.ProcessingCompletedAt,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	u, err := s.uploads.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Failed to get result", err)
		return
	}
	succeed(w, http.StatusOK, "Result retrieved successfully", resultResponse{
		UploadID:      u.ID,
		Status:        u.Status,
		OriginalURL:   u.OriginalURL,
		ThumbnailURL:  u.ThumbnailURL,
		ResizedURL:    u.ResizedURL,
		CompressedURL: u.CompressedURL,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.uploads.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Failed to get logs", err)
		return
	}
	succeed(w, http.StatusOK, "Logs retrieved successfully", logs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, "Failed to delete upload", err)
		return
	}
	succeed(w, http.StatusOK, "Upload deleted successfully", nil)
}

// throttle applies the per-client token bucket.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.opts.Limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			log.Error().Err(err).Msg("rate limiter unavailable")
			fail(w, http.StatusInternalServerError, "rate limit error", nil)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			fail(w, http.StatusTooManyRequests, "rate limited", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps error kinds to status codes. Internal errors are logged before mapping.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, internalMsg string, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		fail(w, http.StatusBadRequest, validationMessage(err), nil)
	case errors.Is(err, models.ErrNotFound):
		fail(w, http.StatusNotFound, "Upload not found", nil)
	default:
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg(internalMsg)
		fail(w, http.StatusInternalServerError, internalMsg, err)
	}
}
