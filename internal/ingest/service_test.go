package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"image-upload-pipeline/internal/blob"
	"image-upload-pipeline/internal/models"
	"image-upload-pipeline/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
	err       error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return nil
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) CreateUpload(context.Context, store.CreateUploadParams) (models.Upload, error) {
	return models.Upload{}, models.E(models.ErrPersistence, "insert upload", errors.New("connection refused"))
}

type countingRepo struct {
	store.Repository
	creates int
}

func (r *countingRepo) CreateUpload(ctx context.Context, p store.CreateUploadParams) (models.Upload, error) {
	r.creates++
	return r.Repository.CreateUpload(ctx, p)
}

func newTestService(t *testing.T, repo store.Repository, q *fakeQueue) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blob.NewLocalStore(dir, blob.NewLocator("http://localhost:8080/files", "uploads"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	limits := Limits{AllowedMimeTypes: []string{"image/jpeg", "image/png"}, MaxBytes: 1024}
	return NewService(repo, blobs, q, limits), dir
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func TestSubmitStoresCreatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	q := &fakeQueue{}
	svc, dir := newTestService(t, repo, q)

	u, err := svc.Submit(ctx, SubmitRequest{Filename: "cat.jpg", ContentType: "image/jpeg", Data: []byte("not really a jpeg")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if u.Status != models.StatusPending || u.FileSize != 17 || u.MimeType != "image/jpeg" {
		t.Fatalf("unexpected record %+v", u)
	}
	if !strings.HasPrefix(u.OriginalURL, "http://localhost:8080/files/uploads/uploads/") || !strings.HasSuffix(u.OriginalURL, "/"+u.ID+"/cat.jpg") {
		t.Fatalf("unexpected original locator %q", u.OriginalURL)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != u.ID {
		t.Fatalf("expected upload enqueued, got %v", q.enqueued)
	}
	if countFiles(t, dir) != 1 {
		t.Fatalf("expected original on disk")
	}
}

func TestSubmitRejectsBeforeSideEffects(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"content type", SubmitRequest{Filename: "doc.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}},
		{"too large", SubmitRequest{Filename: "big.jpg", ContentType: "image/jpeg", Data: make([]byte, 1025)}},
		{"empty", SubmitRequest{Filename: "empty.jpg", ContentType: "image/jpeg", Data: []byte{}}},
		{"missing name", SubmitRequest{ContentType: "image/png", Data: []byte("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &countingRepo{Repository: store.NewMemoryStore()}
			q := &fakeQueue{}
			svc, dir := newTestService(t, repo, q)
			_, err := svc.Submit(ctx, tc.req)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error got %v", err)
			}
			if len(q.enqueued) != 0 || countFiles(t, dir) != 0 {
				t.Fatalf("rejected submit left side effects")
			}
			if repo.creates != 0 {
				t.Fatalf("rejected submit created a record")
			}
		})
	}
}

func TestSubmitAcceptsContentTypeParameters(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore(), &fakeQueue{})
	if _, err := svc.Submit(context.Background(), SubmitRequest{Filename: "a.png", ContentType: "Image/PNG; charset=binary", Data: []byte("x")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitCreateFailureRemovesOriginal(t *testing.T) {
	svc, dir := newTestService(t, failingRepo{store.NewMemoryStore()}, &fakeQueue{})
	_, err := svc.Submit(context.Background(), SubmitRequest{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("x")})
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error got %v", err)
	}
	if countFiles(t, dir) != 0 {
		t.Fatalf("original blob left behind")
	}
}

func TestSubmitEnqueueFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	q := &fakeQueue{err: errors.New("redis down")}
	svc, _ := newTestService(t, repo, q)

	_, err := svc.Submit(ctx, SubmitRequest{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("x")})
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error got %v", err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("nothing should be enqueued")
	}
	if purged, _ := repo.PurgeFailedOlderThan(ctx, -time.Hour); purged != 1 {
		t.Fatalf("expected the record to be left failed, purged=%d", purged)
	}
}

func TestResultNotReadyUntilCompleted(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	svc, _ := newTestService(t, repo, &fakeQueue{})
	u, err := svc.Submit(ctx, SubmitRequest{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.Result(ctx, u.ID); !errors.Is(err, models.ErrNotReady) || !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected not ready got %v", err)
	}
	if _, err := svc.Result(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}

	thumb, resized, compressed := "t", "r", "c"
	_, _, _ = repo.UpdateDerivativeURLs(ctx, u.ID, models.DerivativeURLs{Thumbnail: &thumb, Resized: &resized, Compressed: &compressed})
	_, _, _ = repo.UpdateStatus(ctx, u.ID, models.StatusCompleted, nil)
	got, err := svc.Result(ctx, u.ID)
	if err != nil || got.CompressedURL == nil || *got.CompressedURL != "c" {
		t.Fatalf("result=%+v err=%v", got, err)
	}
}

func TestDeleteRemovesObjectsRecordAndQueuedJob(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	q := &fakeQueue{}
	svc, dir := newTestService(t, repo, q)
	u, err := svc.Submit(ctx, SubmitRequest{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := "note"
	if _, err := repo.AppendLog(ctx, u.ID, models.StepStart, models.LogStarted, &msg, nil); err != nil {
		t.Fatalf("append log: %v", err)
	}
	// a locator outside the store only produces a logged warning
	bogus := "http://elsewhere/x.jpg"
	_, _, _ = repo.UpdateDerivativeURLs(ctx, u.ID, models.DerivativeURLs{Thumbnail: &bogus})

	if err := svc.Delete(ctx, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if countFiles(t, dir) != 0 {
		t.Fatalf("objects not removed")
	}
	if len(q.cancelled) != 1 || q.cancelled[0] != u.ID {
		t.Fatalf("queued job not cancelled: %v", q.cancelled)
	}
	if _, err := svc.Status(ctx, u.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found after delete got %v", err)
	}
	if logs, _ := repo.ListLogs(ctx, u.ID); len(logs) != 0 {
		t.Fatalf("logs not cascaded")
	}
	if err := svc.Delete(ctx, u.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestLogsForUnknownUpload(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore(), &fakeQueue{})
	if _, err := svc.Logs(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}
