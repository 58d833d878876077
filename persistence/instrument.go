package persistence

import (
	"context"
	"time"

	"github.com/BaSui01/agentloop/internal/metrics"
)

type instrumented struct {
	RunStore
	backend string
	metrics *metrics.Collector
}

// Instrument records the latency of every store operation under backend.
// A nil collector returns next unchanged.
func Instrument(next RunStore, backend string, collector *metrics.Collector) RunStore {
	if collector == nil {
		return next
	}
	return &instrumented{RunStore: next, backend: backend, metrics: collector}
}

func (s *instrumented) observe(op string, start time.Time) {
	s.metrics.RecordStoreOp(s.backend, op, time.Since(start))
}

func (s *instrumented) Save(ctx context.Context, snap *RunSnapshot) error {
	defer s.observe("save", time.Now())
	return s.RunStore.Save(ctx, snap)
}

func (s *instrumented) Load(ctx context.Context, runID string) (*RunSnapshot, error) {
	defer s.observe("load", time.Now())
	return s.RunStore.Load(ctx, runID)
}

func (s *instrumented) List(ctx context.Context, opts ListOptions) ([]*RunSnapshot, error) {
	defer s.observe("list", time.Now())
	return s.RunStore.List(ctx, opts)
}

func (s *instrumented) Delete(ctx context.Context, runID string) error {
	defer s.observe("delete", time.Now())
	return s.RunStore.Delete(ctx, runID)
}
