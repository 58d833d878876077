package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/agentloop/eventlog"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType names a backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// Kind distinguishes agent runs from workflow runs.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
)

// RunSnapshot is the archived form of a finished or suspended run.
type RunSnapshot struct {
	RunID       string           `json:"run_id"`
	Kind        Kind             `json:"kind"`
	Name        string           `json:"name"`
	Status      string           `json:"status"`
	Events      []eventlog.Event `json:"events,omitempty"`
	NodeResults map[string]any   `json:"node_results,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	Kind   Kind
	Name   string
	Status string
	Limit  int
}

func (o ListOptions) matches(s *RunSnapshot) bool {
	if o.Kind != "" && s.Kind != o.Kind {
		return false
	}
	if o.Name != "" && s.Name != o.Name {
		return false
	}
	if o.Status != "" && s.Status != o.Status {
		return false
	}
	return true
}

// Store is the lifecycle shared by every backend.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
}

// RunStore archives run snapshots. Save overwrites an existing snapshot
// with the same run id but keeps its CreatedAt.
type RunStore interface {
	Store
	Save(ctx context.Context, snap *RunSnapshot) error
	Load(ctx context.Context, runID string) (*RunSnapshot, error)
	// List returns matching snapshots, newest first.
	List(ctx context.Context, opts ListOptions) ([]*RunSnapshot, error)
	Delete(ctx context.Context, runID string) error
}

// prepare validates snap and stamps its timestamps. created is the
// CreatedAt of a previously stored version, if any.
func prepare(snap *RunSnapshot, created time.Time) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	if snap.Kind != KindAgent && snap.Kind != KindWorkflow {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, snap.Kind)
	}
	now := time.Now().UTC()
	switch {
	case !created.IsZero():
		snap.CreatedAt = created
	case snap.CreatedAt.IsZero():
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	return nil
}

func encode(snap *RunSnapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run %s: %w", snap.RunID, err)
	}
	return data, nil
}

func decode(data []byte) (*RunSnapshot, error) {
	var snap RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &snap, nil
}

// newestFirst sorts by CreatedAt descending, run id breaking ties.
func newestFirst(snaps []*RunSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].RunID < snaps[j].RunID
	})
}

func limit(snaps []*RunSnapshot, n int) []*RunSnapshot {
	if n > 0 && n < len(snaps) {
		return snaps[:n]
	}
	return snaps
}
