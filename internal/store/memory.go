package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"image-upload-pipeline/internal/models"
)

// MemoryStore is a process-local Repository for tests and single-process development runs.
type MemoryStore struct {
	mu      sync.Mutex
	uploads map[string]models.Upload
	logs    map[string][]models.ProcessingLog
	seq     int64
	now     func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]models.Upload),
		logs:    make(map[string][]models.ProcessingLog),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateUpload(_ context.Context, p CreateUploadParams) (models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return models.Upload{}, models.E(models.ErrValidation, "create upload: invalid id", err)
	}
	if _, exists := m.uploads[id]; exists {
		return models.Upload{}, models.E(models.ErrPersistence, "insert upload", fmt.Errorf("duplicate id %s", id))
	}
	created := p.CreatedAt.UTC()
	if p.CreatedAt.IsZero() {
		created = m.now()
	}
	u := models.Upload{
		ID:               id,
		OriginalFilename: p.OriginalFilename,
		OriginalURL:      p.OriginalURL,
		Status:           models.StatusPending,
		FileSize:         p.FileSize,
		MimeType:         p.MimeType,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	m.uploads[id] = u
	return u, nil
}

func (m *MemoryStore) GetUpload(_ context.Context, id string) (models.Upload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	return u, ok, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id, status string, errMsg *string) (models.Upload, bool, error) {
	if !models.ValidStatus(status) {
		return models.Upload{}, false, models.E(models.ErrValidation, fmt.Sprintf("update status: unknown status %q", status), nil)
	}
	return m.mutate(id, func(u *models.Upload, now time.Time) {
		u.ApplyStatus(status, errMsg, now)
	})
}

func (m *MemoryStore) UpdateDerivativeURLs(_ context.Context, id string, urls models.DerivativeURLs) (models.Upload, bool, error) {
	return m.mutate(id, func(u *models.Upload, now time.Time) {
		u.ApplyDerivatives(urls, now)
	})
}

func (m *MemoryStore) SetDimensions(_ context.Context, id string, width, height int) (bool, error) {
	_, found, err := m.mutate(id, func(u *models.Upload, now time.Time) {
		u.Width = &width
		u.Height = &height
		u.UpdatedAt = now
	})
	return found, err
}

func (m *MemoryStore) mutate(id string, apply func(*models.Upload, time.Time)) (models.Upload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return models.Upload{}, false, nil
	}
	apply(&u, m.now())
	m.uploads[id] = u
	return u, true, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, uploadID, step, status string, message *string, durationMs *int64) (models.ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return models.ProcessingLog{}, models.E(models.ErrPersistence, "append log", fmt.Errorf("upload %q does not exist", uploadID))
	}
	m.seq++
	entry := models.ProcessingLog{
		ID:         m.seq,
		UploadID:   uploadID,
		Step:       step,
		Status:     status,
		Message:    message,
		DurationMs: durationMs,
		CreatedAt:  m.now(),
	}
	m.logs[uploadID] = append(m.logs[uploadID], entry)
	return entry, nil
}

func (m *MemoryStore) ListLogs(_ context.Context, uploadID string) ([]models.ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.ProcessingLog(nil), m.logs[uploadID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteUpload(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[id]; !ok {
		return false, nil
	}
	delete(m.logs, id)
	delete(m.uploads, id)
	return true, nil
}

func (m *MemoryStore) PurgeFailedOlderThan(_ context.Context, age time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-age)
	var purged int
	for id, u := range m.uploads {
		if u.Status == models.StatusFailed && u.CreatedAt.Before(cutoff) {
			delete(m.logs, id)
			delete(m.uploads, id)
			purged++
		}
	}
	return purged, nil
}
