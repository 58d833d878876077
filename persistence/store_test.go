package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/internal/database"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// Shared contract
// =============================================================================

func sampleSnapshot(id string, kind Kind, name, status string) *RunSnapshot {
	log := eventlog.New("agent-1", id)
	log.Append(eventlog.NewTaskStartEvent("demo"))
	log.Append(eventlog.NewFinishTaskEvent("42", "done", true))
	return &RunSnapshot{
		RunID:       id,
		Kind:        kind,
		Name:        name,
		Status:      status,
		Events:      log.Events(),
		NodeResults: map[string]any{"a": "x"},
		Variables:   map[string]any{"n": float64(2)},
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) RunStore) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		snap := sampleSnapshot("r1", KindAgent, "agent-1", "completed")
		require.NoError(t, s.Save(ctx, snap))
		assert.False(t, snap.CreatedAt.IsZero())
		assert.False(t, snap.UpdatedAt.IsZero())

		got, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "r1", got.RunID)
		assert.Equal(t, KindAgent, got.Kind)
		assert.Equal(t, "completed", got.Status)
		require.Len(t, got.Events, 2)
		assert.Equal(t, eventlog.EventFinishTask, got.Events[1].Type)
		assert.Equal(t, "x", got.NodeResults["a"])
		assert.Equal(t, float64(2), got.Variables["n"])
	})

	t.Run("overwrite keeps created_at", func(t *testing.T) {
		s := newStore(t)
		first := sampleSnapshot("r1", KindWorkflow, "etl", "running")
		require.NoError(t, s.Save(ctx, first))
		created := first.CreatedAt

		time.Sleep(5 * time.Millisecond)
		second := sampleSnapshot("r1", KindWorkflow, "etl", "completed")
		require.NoError(t, s.Save(ctx, second))

		got, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "completed", got.Status)
		assert.True(t, got.CreatedAt.Equal(created), "created_at %v != %v", got.CreatedAt, created)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
	})

	t.Run("invalid input", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Save(ctx, nil), ErrInvalidInput)
		assert.ErrorIs(t, s.Save(ctx, &RunSnapshot{Kind: KindAgent}), ErrInvalidInput)
		assert.ErrorIs(t, s.Save(ctx, &RunSnapshot{RunID: "x", Kind: "job"}), ErrInvalidInput)
	})

	t.Run("list filters and orders newest first", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		for i, snap := range []*RunSnapshot{
			sampleSnapshot("w1", KindWorkflow, "etl", "completed"),
			sampleSnapshot("a1", KindAgent, "agent-1", "failed"),
			sampleSnapshot("w2", KindWorkflow, "etl", "failed"),
			sampleSnapshot("w3", KindWorkflow, "report", "completed"),
		} {
			snap.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Save(ctx, snap))
		}

		all, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"w3", "w2", "a1", "w1"}, runIDs(all))

		etl, err := s.List(ctx, ListOptions{Kind: KindWorkflow, Name: "etl"})
		require.NoError(t, err)
		assert.Equal(t, []string{"w2", "w1"}, runIDs(etl))

		failed, err := s.List(ctx, ListOptions{Status: "failed", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"w2"}, runIDs(failed))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, sampleSnapshot("r1", KindAgent, "a", "completed")))
		require.NoError(t, s.Delete(ctx, "r1"))
		_, err := s.Load(ctx, "r1")
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func runIDs(snaps []*RunSnapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.RunID
	}
	return out
}

// =============================================================================
// Backends
// =============================================================================

func TestMemoryRunStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RunStore { return NewMemoryRunStore() })
}

func TestMemoryRunStore_Closed(t *testing.T) {
	s := NewMemoryRunStore()
	require.NoError(t, s.Close())
	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, s.Save(ctx, sampleSnapshot("r", KindAgent, "a", "x")), ErrStoreClosed)
	_, err := s.Load(ctx, "r")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMemoryRunStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot("r1", KindAgent, "a", "completed")))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	got.Status = "mutated"
	got.NodeResults["a"] = "changed"

	again, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "completed", again.Status)
	assert.Equal(t, "x", again.NodeResults["a"])
}

func TestFileRunStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RunStore {
		s, err := NewFileRunStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFileRunStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileRunStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleSnapshot("r1", KindWorkflow, "etl", "completed")))
	require.NoError(t, s.Close())

	reopened, err := NewFileRunStore(dir)
	require.NoError(t, err)
	got, err := reopened.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "etl", got.Name)
}

func TestFileRunStore_RejectsPathTraversal(t *testing.T) {
	s, err := NewFileRunStore(t.TempDir())
	require.NoError(t, err)
	err = s.Save(context.Background(), sampleSnapshot("../evil", KindAgent, "a", "x"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func newMiniredisStore(t *testing.T, ttl time.Duration) (*RedisRunStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisRunStore(client, "test:", ttl)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisRunStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RunStore {
		s, _ := newMiniredisStore(t, 0)
		return s
	})
}

func TestRedisRunStore_TTLPrunesIndex(t *testing.T) {
	s, mr := newMiniredisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot("r1", KindAgent, "a", "completed")))
	assert.True(t, mr.Exists("test:run:data:r1"))
	assert.Equal(t, time.Minute, mr.TTL("test:run:data:r1"))

	mr.FastForward(2 * time.Minute)

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)

	members, err := mr.ZMembers("test:run:index")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestDialRedisRunStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := DialRedisRunStore(context.Background(), &redis.Options{Addr: mr.Addr()}, "", 0)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "agentloop:run:", s.keyPrefix)

	mr.Close()
	_, err = DialRedisRunStore(context.Background(), &redis.Options{Addr: mr.Addr()}, "", 0)
	assert.Error(t, err)
}

func TestSQLRunStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RunStore {
		pool, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Name: "file::memory:"}, zap.NewNop())
		require.NoError(t, err)
		s, err := NewSQLRunStore(context.Background(), pool)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// =============================================================================
// Factory and instrumentation
// =============================================================================

func TestNewRunStore(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	s, err := NewRunStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryRunStore{}, s)

	cfg.Store.Type = "file"
	cfg.Store.BaseDir = t.TempDir()
	s, err = NewRunStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &FileRunStore{}, s)

	mr := miniredis.RunT(t)
	cfg.Store.Type = "redis"
	cfg.Redis.Addr = mr.Addr()
	s, err = NewRunStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &RedisRunStore{}, s)
	_ = s.Close()

	cfg.Store.Type = "sql"
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Name: "file::memory:"}
	s, err = NewRunStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &SQLRunStore{}, s)
	_ = s.Close()

	cfg.Store.Type = "tape"
	_, err = NewRunStore(ctx, cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Panics(t, func() { MustNewRunStore(ctx, cfg, zap.NewNop()) })
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())

	s := Instrument(NewMemoryRunStore(), "memory", collector)
	require.NoError(t, s.Save(ctx, sampleSnapshot("r1", KindAgent, "a", "completed")))
	_, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	_, err = s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "r1"))

	n, err := testutil.GatherAndCount(reg, "test_run_store_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	plain := NewMemoryRunStore()
	assert.Same(t, plain, Instrument(plain, "memory", nil))
}

func TestCompacting(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRunStore()
	s := Compacting(inner, 1, nil)

	snap := sampleSnapshot("r1", KindAgent, "a", "completed")
	full := len(snap.Events)
	require.NoError(t, s.Save(ctx, snap))
	assert.Len(t, snap.Events, full, "caller keeps the full log")
	assert.False(t, snap.CreatedAt.IsZero())

	got, err := inner.Load(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, eventlog.EventCompacted, got.Events[0].Type)
	assert.EqualValues(t, full-1, got.Events[0].Data[eventlog.KeyCount])
	assert.Equal(t, "agent-1", got.Events[0].AgentID)
	assert.Equal(t, eventlog.EventFinishTask, got.Events[1].Type)

	short := &RunSnapshot{RunID: "r2", Kind: KindWorkflow, Name: "w", Events: snap.Events[:1]}
	require.NoError(t, s.Save(ctx, short))
	got, err = inner.Load(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, eventlog.EventTaskStart, got.Events[0].Type)

	assert.Same(t, inner, Compacting(inner, 0, nil))
}
