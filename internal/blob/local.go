package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/models"
)

// LocalStore keeps objects on the filesystem under {root}/{bucket}/{key}.
type LocalStore struct {
	root    string
	locator Locator
}

func NewLocalStore(root string, locator Locator) (*LocalStore, error) {
	if root == "" {
		root = "./data"
	}
	dir := filepath.Join(root, locator.bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalStore{root: root, locator: locator}, nil
}

// Handler serves stored objects so local locators resolve. Mount it at the locator base path.
// Directories are reported as not found so uploads cannot be enumerated.
func (l *LocalStore) Handler() http.Handler {
	return http.FileServer(filesOnly{http.Dir(l.root)})
}

type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if st.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}

func (l *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", models.E(models.ErrStorage, "put", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", models.E(models.ErrStorage, "put: create dirs", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", models.E(models.ErrStorage, "put: write file", err)
	}
	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("object saved locally")
	return l.locator.URL(key), nil
}

func (l *LocalStore) Get(_ context.Context, locator string) ([]byte, error) {
	p, err := l.pathFromLocator(locator)
	if err != nil {
		return nil, models.E(models.ErrStorage, "get", err)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.E(models.ErrStorage, "get "+locator, ErrObjectNotFound)
	}
	if err != nil {
		return nil, models.E(models.ErrStorage, "get", err)
	}
	return data, nil
}

func (l *LocalStore) Delete(_ context.Context, locator string) error {
	p, err := l.pathFromLocator(locator)
	if err != nil {
		return models.E(models.ErrStorage, "delete", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.E(models.ErrStorage, "delete", err)
	}
	return nil
}

func (l *LocalStore) pathFromLocator(locator string) (string, error) {
	key, err := l.locator.Key(locator)
	if err != nil {
		return "", err
	}
	return l.path(key)
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.root, l.locator.bucket, filepath.FromSlash(clean)), nil
}
