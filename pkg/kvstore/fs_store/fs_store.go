// Package fs_store implements kvstore.Store on a flat directory, one file
// per key. This is the default backend: it matches how the app persists
// state on-device, and a half-written file can never corrupt a neighbouring
// key.
package fs_store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
)

const fileSuffix = ".kv"

type FSStore struct {
	dir string
}

// NewFSStore opens (and creates if needed) a store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if len(dir) == 0 {
		return nil, errors.New("empty store dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir, %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// pathFor escapes key into a flat file name so keys can safely contain
// separators and namespace prefixes.
func (s *FSStore) pathFor(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+fileSuffix)
}

func (s *FSStore) Get(_ context.Context, key string) (string, error) {
	b, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", kvstore.ErrNotFound
		}
		return "", fmt.Errorf("failed to read %s, %w", key, err)
	}
	return string(b), nil
}

func (s *FSStore) Set(_ context.Context, key, value string) error {
	// Write to a temp file in the same dir then rename so readers never
	// observe a torn value.
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file, %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("failed to write %s, %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to close temp file, %w", err)
	}
	if err := os.Rename(name, s.pathFor(key)); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to rename temp file, %w", err)
	}
	return nil
}

func (s *FSStore) Remove(_ context.Context, key string) error {
	err := os.Remove(s.pathFor(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s, %w", key, err)
	}
	return nil
}

func (s *FSStore) RemoveMany(ctx context.Context, keys []string) error {
	var firstErr error
	for _, k := range keys {
		if err := s.Remove(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FSStore) ListKeys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store dir, %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue // not one of ours
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *FSStore) Close() error { return nil }
