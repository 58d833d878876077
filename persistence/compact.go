package persistence

import (
	"context"

	"github.com/BaSui01/agentloop/eventlog"
)

type compacting struct {
	RunStore
	keep      int
	summarize eventlog.Summarizer
}

// Compacting folds all but the last keep events of every saved snapshot
// into one Compacted event before it reaches next. The caller's snapshot
// keeps its full event list. keep <= 0 returns next unchanged.
func Compacting(next RunStore, keep int, summarize eventlog.Summarizer) RunStore {
	if keep <= 0 {
		return next
	}
	return &compacting{RunStore: next, keep: keep, summarize: summarize}
}

func (s *compacting) Save(ctx context.Context, snap *RunSnapshot) error {
	if snap == nil || len(snap.Events) <= s.keep {
		return s.RunStore.Save(ctx, snap)
	}
	first := snap.Events[0]
	folded := eventlog.Restore(first.AgentID, first.TaskID, snap.Events).Compact(s.keep, s.summarize)

	cp := *snap
	cp.Events = folded.Events()
	if err := s.RunStore.Save(ctx, &cp); err != nil {
		return err
	}
	snap.CreatedAt, snap.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}
