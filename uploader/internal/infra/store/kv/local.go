package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileExt = ".json"

// localStore keeps one file per key under baseDir. Writes go to a temp file
// that is renamed over the target, so readers never see a partial value.
type localStore struct {
	baseDir string

	mu sync.Mutex
}

func NewLocalStore(baseDir string) (*localStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is empty")
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &localStore{baseDir: baseDir}, nil
}

func (s *localStore) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(key)
}

func (s *localStore) Set(ctx context.Context, key string, value []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(key, value)
}

func (s *localStore) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(key)
}

func (s *localStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(e.Name(), fileExt))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *localStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.read(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	next, err := fn(old)
	if err != nil {
		return err
	}

	if next == nil {
		return s.remove(key)
	}
	return s.write(key, next)
}

func (s *localStore) read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *localStore) write(key string, value []byte) error {
	fullPath := s.path(key)

	tempPath := fullPath + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	if _, err := f.Write(value); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (s *localStore) remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *localStore) path(key string) string {
	return filepath.Join(s.baseDir, url.QueryEscape(key)+fileExt)
}
