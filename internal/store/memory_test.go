package store

import (
	"context"
	"errors"
	"testing"

	"image-upload-pipeline/internal/config"
)

func TestMemoryStoreContract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryStore()
	})
}

func TestOpenRejectsProcessLocalDriver(t *testing.T) {
	repo, closeFn, err := Open(context.Background(), config.Config{StoreDriver: "memory"})
	if !errors.Is(err, ErrProcessLocalStore) || repo != nil || closeFn != nil {
		t.Fatalf("expected process-local rejection, got repo=%v err=%v", repo, err)
	}
	if _, _, err := Open(context.Background(), config.Config{StoreDriver: "sqlite"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
