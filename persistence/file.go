package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileRunStore writes one JSON document per run under baseDir/runs.
// Writes go to a temp file first and are renamed into place.
type FileRunStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileRunStore creates the directory if needed.
func NewFileRunStore(baseDir string) (*FileRunStore, error) {
	dir := filepath.Join(baseDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}
	return &FileRunStore{dir: dir}, nil
}

func (s *FileRunStore) path(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("%w: bad run id %q", ErrInvalidInput, runID)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}

func (s *FileRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.dir)
	return err
}

func (s *FileRunStore) Save(ctx context.Context, snap *RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidInput)
	}
	p, err := s.path(snap.RunID)
	if err != nil {
		return err
	}

	var created time.Time
	if prev, err := s.read(p); err == nil {
		created = prev.CreatedAt
	}
	if err := prepare(snap, created); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", snap.RunID, err)
	}
	return os.Rename(tmp, p)
}

func (s *FileRunStore) read(p string) (*RunSnapshot, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *FileRunStore) Load(ctx context.Context, runID string) (*RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	p, err := s.path(runID)
	if err != nil {
		return nil, err
	}
	return s.read(p)
}

func (s *FileRunStore) List(ctx context.Context, opts ListOptions) ([]*RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]*RunSnapshot, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		snap, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if opts.matches(snap) {
			out = append(out, snap)
		}
	}
	newestFirst(out)
	return limit(out, opts.Limit), nil
}

func (s *FileRunStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p, err := s.path(runID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
