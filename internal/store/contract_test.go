package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"image-upload-pipeline/internal/models"
)

// runRepositoryContract exercises behavior every Repository implementation must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	create := func(t *testing.T, repo Repository, created time.Time) models.Upload {
		t.Helper()
		u, err := repo.CreateUpload(ctx, CreateUploadParams{
			OriginalFilename: "cat.jpg",
			OriginalURL:      "http://blob/uploads/cat.jpg",
			FileSize:         1234,
			MimeType:         "image/jpeg",
			CreatedAt:        created,
		})
		if err != nil {
			t.Fatalf("create upload: %v", err)
		}
		return u
	}

	t.Run("create is pending with no derivatives", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})
		if _, err := uuid.Parse(u.ID); err != nil {
			t.Fatalf("expected uuid id got %q", u.ID)
		}
		got, found, err := repo.GetUpload(ctx, u.ID)
		if err != nil || !found {
			t.Fatalf("get upload found=%v err=%v", found, err)
		}
		if got.Status != models.StatusPending || got.ThumbnailURL != nil || got.ErrorMessage != nil || got.ProcessingStartedAt != nil {
			t.Fatalf("unexpected fresh upload %+v", got)
		}
	})

	t.Run("caller supplied id is kept", func(t *testing.T) {
		repo := newRepo(t)
		id := uuid.New().String()
		u, err := repo.CreateUpload(ctx, CreateUploadParams{ID: id, OriginalFilename: "a.png", OriginalURL: "x", MimeType: "image/png"})
		if err != nil || u.ID != id {
			t.Fatalf("expected id %s got %s err=%v", id, u.ID, err)
		}
	})

	t.Run("absent upload is not an error", func(t *testing.T) {
		repo := newRepo(t)
		missing := uuid.New().String()
		if _, found, err := repo.GetUpload(ctx, missing); found || err != nil {
			t.Fatalf("get missing found=%v err=%v", found, err)
		}
		if _, found, err := repo.UpdateStatus(ctx, missing, models.StatusProcessing, nil); found || err != nil {
			t.Fatalf("update missing found=%v err=%v", found, err)
		}
		if found, err := repo.DeleteUpload(ctx, missing); found || err != nil {
			t.Fatalf("delete missing found=%v err=%v", found, err)
		}
	})

	t.Run("status transitions", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})

		p1, _, err := repo.UpdateStatus(ctx, u.ID, models.StatusProcessing, nil)
		if err != nil || p1.ProcessingStartedAt == nil {
			t.Fatalf("processing: %+v err=%v", p1, err)
		}
		started := *p1.ProcessingStartedAt
		time.Sleep(5 * time.Millisecond)
		p2, _, _ := repo.UpdateStatus(ctx, u.ID, models.StatusProcessing, nil)
		if !p2.ProcessingStartedAt.Equal(started) {
			t.Fatalf("started_at changed: %v -> %v", started, *p2.ProcessingStartedAt)
		}

		msg := "decode failed"
		f, _, _ := repo.UpdateStatus(ctx, u.ID, models.StatusFailed, &msg)
		if f.ErrorMessage == nil || *f.ErrorMessage != msg {
			t.Fatalf("expected error message, got %+v", f.ErrorMessage)
		}
		r, _, _ := repo.UpdateStatus(ctx, u.ID, models.StatusProcessing, nil)
		if r.ErrorMessage != nil {
			t.Fatalf("error message should be cleared on retry")
		}
		c, _, _ := repo.UpdateStatus(ctx, u.ID, models.StatusCompleted, nil)
		if c.ProcessingCompletedAt == nil || c.ErrorMessage != nil {
			t.Fatalf("unexpected completed upload %+v", c)
		}

		got, _, _ := repo.GetUpload(ctx, u.ID)
		if got.Status != models.StatusCompleted || got.ProcessingCompletedAt == nil {
			t.Fatalf("persisted state mismatch %+v", got)
		}
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})
		if _, _, err := repo.UpdateStatus(ctx, u.ID, "exploded", nil); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("expected validation error got %v", err)
		}
	})

	t.Run("partial derivative update", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})
		thumb := "http://blob/t.jpg"
		if _, _, err := repo.UpdateDerivativeURLs(ctx, u.ID, models.DerivativeURLs{Thumbnail: &thumb}); err != nil {
			t.Fatalf("update thumb: %v", err)
		}
		resized := "http://blob/r.jpg"
		got, _, err := repo.UpdateDerivativeURLs(ctx, u.ID, models.DerivativeURLs{Resized: &resized})
		if err != nil {
			t.Fatalf("update resized: %v", err)
		}
		if got.ThumbnailURL == nil || *got.ThumbnailURL != thumb || got.ResizedURL == nil || got.CompressedURL != nil {
			t.Fatalf("unexpected locators %+v", got)
		}
	})

	t.Run("dimensions", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})
		if found, err := repo.SetDimensions(ctx, u.ID, 640, 480); !found || err != nil {
			t.Fatalf("set dimensions found=%v err=%v", found, err)
		}
		got, _, _ := repo.GetUpload(ctx, u.ID)
		if got.Width == nil || *got.Width != 640 || got.Height == nil || *got.Height != 480 {
			t.Fatalf("dimensions not stored: %+v", got)
		}
	})

	t.Run("logs are ordered and require an upload", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})
		steps := []string{models.StepStart, models.StepDownload, models.StepValidate}
		for _, s := range steps {
			dur := int64(3)
			if _, err := repo.AppendLog(ctx, u.ID, s, models.LogCompleted, nil, &dur); err != nil {
				t.Fatalf("append %s: %v", s, err)
			}
		}
		logs, err := repo.ListLogs(ctx, u.ID)
		if err != nil || len(logs) != len(steps) {
			t.Fatalf("list logs len=%d err=%v", len(logs), err)
		}
		for i := range logs {
			if logs[i].Step != steps[i] {
				t.Fatalf("log %d step=%s want %s", i, logs[i].Step, steps[i])
			}
			if i > 0 && logs[i].ID <= logs[i-1].ID {
				t.Fatalf("log ids not increasing: %d then %d", logs[i-1].ID, logs[i].ID)
			}
		}
		if logs[0].DurationMs == nil || *logs[0].DurationMs != 3 {
			t.Fatalf("duration not stored")
		}

		if _, err := repo.AppendLog(ctx, uuid.New().String(), models.StepStart, models.LogStarted, nil, nil); !errors.Is(err, models.ErrPersistence) {
			t.Fatalf("expected persistence error for orphan log got %v", err)
		}
	})

	t.Run("delete cascades logs", func(t *testing.T) {
		repo := newRepo(t)
		u := create(t, repo, time.Time{})
		_, _ = repo.AppendLog(ctx, u.ID, models.StepStart, models.LogStarted, nil, nil)
		if found, err := repo.DeleteUpload(ctx, u.ID); !found || err != nil {
			t.Fatalf("delete found=%v err=%v", found, err)
		}
		if _, found, _ := repo.GetUpload(ctx, u.ID); found {
			t.Fatalf("upload still present")
		}
		if logs, _ := repo.ListLogs(ctx, u.ID); len(logs) != 0 {
			t.Fatalf("logs survived delete: %d", len(logs))
		}
	})

	t.Run("purge failed older than", func(t *testing.T) {
		repo := newRepo(t)
		old := time.Now().UTC().Add(-48 * time.Hour)
		msg := "bad"

		oldFailed := create(t, repo, old)
		_, _ = repo.AppendLog(ctx, oldFailed.ID, models.StepError, models.LogFailed, &msg, nil)
		_, _, _ = repo.UpdateStatus(ctx, oldFailed.ID, models.StatusFailed, &msg)

		oldCompleted := create(t, repo, old)
		_, _, _ = repo.UpdateStatus(ctx, oldCompleted.ID, models.StatusCompleted, nil)

		freshFailed := create(t, repo, time.Time{})
		_, _, _ = repo.UpdateStatus(ctx, freshFailed.ID, models.StatusFailed, &msg)

		n, err := repo.PurgeFailedOlderThan(ctx, 24*time.Hour)
		if err != nil || n != 1 {
			t.Fatalf("purge n=%d err=%v", n, err)
		}
		if _, found, _ := repo.GetUpload(ctx, oldFailed.ID); found {
			t.Fatalf("old failed upload should be purged")
		}
		if logs, _ := repo.ListLogs(ctx, oldFailed.ID); len(logs) != 0 {
			t.Fatalf("purged upload logs remain")
		}
		for _, id := range []string{oldCompleted.ID, freshFailed.ID} {
			if _, found, _ := repo.GetUpload(ctx, id); !found {
				t.Fatalf("upload %s should survive purge", id)
			}
		}
	})
}
