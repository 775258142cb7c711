package adapter

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
)

// fileStorage implements Storage on a local directory
type fileStorage struct {
	baseDir string
}

// NewFileStorage creates a Storage writing under baseDir
func NewFileStorage(baseDir string) Storage {
	return &fileStorage{baseDir: baseDir}
}

func (s *fileStorage) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create artifact directory", goerr.V("path", p))
	}

	f, err := os.Create(p)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create artifact file", goerr.V("path", p))
	}
	return f, nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p := s.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open artifact file", goerr.V("path", p))
	}
	return f, nil
}

func (s *fileStorage) Location(key string) string {
	return s.path(key)
}
