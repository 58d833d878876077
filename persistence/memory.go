package persistence

import (
	"context"
	"sync"
	"time"
)

// MemoryRunStore keeps encoded snapshots in a map. Values are stored as
// JSON so callers never share state with the store.
type MemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	closed bool
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string][]byte)}
}

func (s *MemoryRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryRunStore) Save(ctx context.Context, snap *RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	var created time.Time
	if snap != nil {
		if old, ok := s.runs[snap.RunID]; ok {
			if prev, err := decode(old); err == nil {
				created = prev.CreatedAt
			}
		}
	}
	if err := prepare(snap, created); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}
	s.runs[snap.RunID] = data
	return nil
}

func (s *MemoryRunStore) Load(ctx context.Context, runID string) (*RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (s *MemoryRunStore) List(ctx context.Context, opts ListOptions) ([]*RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*RunSnapshot, 0, len(s.runs))
	for _, data := range s.runs {
		snap, err := decode(data)
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

func (s *MemoryRunStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}
