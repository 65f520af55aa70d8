package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errBadKey = errors.New("storage: key escapes root")

// LocalStore keeps objects as files below a root directory.
type LocalStore struct {
	root      string
	publicURL string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root, publicURL string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("storage: local_dir is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalStore{root: root, publicURL: publicURL}, nil
}

// Root is the directory served for public URLs.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", errBadKey
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes data to a temp file and renames it into place.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("storage: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *LocalStore) URL(key string) string {
	return joinURL(s.publicURL, key)
}
