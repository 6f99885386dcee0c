// Package pipeline runs the processing state machine for one upload:
// pending -> processing -> completed | failed.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/blob"
	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/models"
	"image-upload-pipeline/internal/store"
	"image-upload-pipeline/internal/telemetry"
	"image-upload-pipeline/internal/transform"
)

const (
	suffixThumbnail  = "thumbnail"
	suffixResized    = "resized"
	suffixCompressed = "compressed"

	// derivativeQuality encodes thumbnail and resized variants before the final compression pass.
	derivativeQuality = 95

	failureWriteTimeout = 10 * time.Second
)

// Options are the transform parameters applied to every upload.
type Options struct {
	MaxBytes        int64
	ThumbnailWidth  int
	ThumbnailHeight int
	ResizedWidth    int
	ResizedHeight   int
	JPEGQuality     int
	WEBPQuality     int
}

// OptionsFromConfig copies the image settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxBytes:        cfg.MaxUploadBytes(),
		ThumbnailWidth:  cfg.ThumbnailWidth,
		ThumbnailHeight: cfg.ThumbnailHeight,
		ResizedWidth:    cfg.ResizedWidth,
		ResizedHeight:   cfg.ResizedHeight,
		JPEGQuality:     cfg.JPEGQuality,
		WEBPQuality:     cfg.WEBPQuality,
	}
}

// Orchestrator executes the processing pipeline. It is safe to call Process concurrently
// and more than once for the same upload.
type Orchestrator struct {
	repo  store.Repository
	blobs blob.Store
	opts  Options
}

func New(repo store.Repository, blobs blob.Store, opts Options) *Orchestrator {
	return &Orchestrator{repo: repo, blobs: blobs, opts: opts}
}

// encoded is one derivative ready for upload.
type encoded struct {
	data   []byte
	format transform.Format
}

// Process runs every step for uploadID. State is re-read on each call; an upload that is
// already completed returns nil without reprocessing. On failure the upload is marked failed
// and the error is returned so the caller can decide on retries.
func (o *Orchestrator) Process(ctx context.Context, uploadID string) (err error) {
	began := time.Now()
	logger := log.With().Str("upload_id", uploadID).Logger()

	u, found, err := o.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	if !found {
		return models.E(models.ErrNotFound, "upload "+uploadID, nil)
	}
	if u.Status == models.StatusCompleted {
		logger.Info().Msg("upload already completed, skipping duplicate delivery")
		return nil
	}

	defer func() {
		if err != nil {
			o.fail(ctx, logger, uploadID, err)
		}
	}()

	err = o.step(ctx, logger, uploadID, models.StepStart, "Image processing started", func() error {
		_, found, err := o.repo.UpdateStatus(ctx, uploadID, models.StatusProcessing, nil)
		if err == nil && !found {
			return models.E(models.ErrNotFound, "upload "+uploadID, nil)
		}
		return err
	})
	if err != nil {
		return err
	}

	var original []byte
	err = o.step(ctx, logger, uploadID, models.StepDownload, "Downloading original image", func() error {
		original, err = o.blobs.Get(ctx, u.OriginalURL)
		return err
	})
	if err != nil {
		return err
	}

	var img image.Image
	var format transform.Format
	err = o.step(ctx, logger, uploadID, models.StepValidate, "Validating image", func() error {
		if _, err := transform.Validate(original, o.opts.MaxBytes); err != nil {
			return err
		}
		img, format, err = transform.Decode(original)
		if err != nil {
			return err
		}
		_, err = o.repo.SetDimensions(ctx, uploadID, img.Bounds().Dx(), img.Bounds().Dy())
		return err
	})
	if err != nil {
		return err
	}

	var resizedImg image.Image
	var resized encoded
	err = o.step(ctx, logger, uploadID, models.StepResize, "Resizing image", func() error {
		resizedImg = transform.Resize(img, o.opts.ResizedWidth, o.opts.ResizedHeight)
		resized.data, resized.format, err = transform.Compress(resizedImg, format, derivativeQuality)
		return err
	})
	if err != nil {
		return err
	}

	var thumb encoded
	err = o.step(ctx, logger, uploadID, models.StepThumbnail, "Creating thumbnail", func() error {
		thumbImg := transform.Thumbnail(img, o.opts.ThumbnailWidth, o.opts.ThumbnailHeight)
		thumb.data, thumb.format, err = transform.Compress(thumbImg, format, derivativeQuality)
		return err
	})
	if err != nil {
		return err
	}

	var compressed encoded
	err = o.step(ctx, logger, uploadID, models.StepCompress, "Compressing image", func() error {
		compressed.data, compressed.format, err = transform.Compress(resizedImg, format, o.quality(format))
		return err
	})
	if err != nil {
		return err
	}

	var urls models.DerivativeURLs
	err = o.step(ctx, logger, uploadID, models.StepUpload, "Uploading processed images", func() error {
		variants := []struct {
			suffix string
			enc    encoded
			dst    **string
		}{
			{suffixThumbnail, thumb, &urls.Thumbnail},
			{suffixResized, resized, &urls.Resized},
			{suffixCompressed, compressed, &urls.Compressed},
		}
		for _, v := range variants {
			ext := transform.Extension(v.enc.format, u.OriginalFilename)
			key := blob.Key(u.ID, u.CreatedAt, u.OriginalFilename, v.suffix, ext)
			loc, err := o.blobs.Put(ctx, key, v.enc.data, transform.MIMEType(v.enc.format))
			if err != nil {
				return err
			}
			*v.dst = &loc
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err = ctx.Err(); err != nil {
		return err
	}
	if _, _, err = o.repo.UpdateDerivativeURLs(ctx, uploadID, urls); err != nil {
		return fmt.Errorf("persist derivatives: %w", err)
	}
	if _, _, err = o.repo.UpdateStatus(ctx, uploadID, models.StatusCompleted, nil); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	total := time.Since(began).Milliseconds()
	msg := fmt.Sprintf("Image processing completed in %dms", total)
	if _, err := o.repo.AppendLog(ctx, uploadID, models.StepComplete, models.LogCompleted, &msg, &total); err != nil {
		// the upload is already completed; a missing audit row must not flip it to failed
		logger.Error().Err(err).Msg("append completion log")
	}
	logger.Info().Int64("duration_ms", total).Msg("upload processed")
	return nil
}

// quality picks the lossy quality for the source format.
func (o *Orchestrator) quality(f transform.Format) int {
	if f == transform.FormatWEBP {
		return o.opts.WEBPQuality
	}
	return o.opts.JPEGQuality
}

// step brackets fn with started and completed/failed log entries and records its duration.
// Cancellation is checked before the step starts so a soft timeout aborts at a step boundary.
func (o *Orchestrator) step(ctx context.Context, logger zerolog.Logger, uploadID, name, msg string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := o.repo.AppendLog(ctx, uploadID, name, models.LogStarted, &msg, nil); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	began := time.Now()
	err := fn()
	elapsed := time.Since(began)
	ms := elapsed.Milliseconds()

	if err != nil {
		telemetry.StepDuration.WithLabelValues(name, models.LogFailed).Observe(elapsed.Seconds())
		failMsg := err.Error()
		if _, lerr := o.repo.AppendLog(context.WithoutCancel(ctx), uploadID, name, models.LogFailed, &failMsg, &ms); lerr != nil {
			logger.Error().Err(lerr).Str("step", name).Msg("append step failure log")
		}
		logger.Warn().Err(err).Str("step", name).Int64("duration_ms", ms).Msg("step failed")
		return fmt.Errorf("%s: %w", name, err)
	}

	telemetry.StepDuration.WithLabelValues(name, models.LogCompleted).Observe(elapsed.Seconds())
	done := msg + " completed"
	if _, err := o.repo.AppendLog(ctx, uploadID, name, models.LogCompleted, &done, &ms); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Debug().Str("step", name).Int64("duration_ms", ms).Msg("step completed")
	return nil
}

// fail records the failure on a context detached from the attempt's cancellation. Errors here are
// logged and never replace cause.
func (o *Orchestrator) fail(ctx context.Context, logger zerolog.Logger, uploadID string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	msg := cause.Error()
	if _, found, err := o.repo.UpdateStatus(fctx, uploadID, models.StatusFailed, &msg); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("mark upload failed")
	} else if !found {
		logger.Warn().AnErr("cause", cause).Msg("upload disappeared before failure could be recorded")
		return
	}
	if _, err := o.repo.AppendLog(fctx, uploadID, models.StepError, models.LogFailed, &msg, nil); err != nil {
		logger.Error().Err(err).Msg("append error log")
	}
	logger.Error().Err(cause).Msg("upload processing failed")
}
