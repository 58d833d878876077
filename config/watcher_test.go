package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type eventSink struct {
	mu     sync.Mutex
	events []FileEvent
}

func (s *eventSink) add(e FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) ops(path string) []FileOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FileOp
	for _, e := range s.events {
		if e.Path == path {
			out = append(out, e.Op)
		}
	}
	return out
}

func fastWatcher(t *testing.T, paths ...string) *FileWatcher {
	t.Helper()
	return newTestWatcher(t, paths, WithWatcherLogger(zap.NewNop()))
}

func newTestWatcher(t *testing.T, paths []string, opts ...WatcherOption) *FileWatcher {
	t.Helper()
	opts = append([]WatcherOption{
		WithPollInterval(10 * time.Millisecond),
		WithDebounceDelay(10 * time.Millisecond),
	}, opts...)
	w, err := NewFileWatcher(paths, opts...)
	require.NoError(t, err)
	return w
}

var watcherBackends = []struct {
	name string
	opts []WatcherOption
}{
	{name: BackendFSNotify},
	{name: BackendPoll, opts: []WatcherOption{WithPolling()}},
}

func waitForOp(t *testing.T, sink *eventSink, path string, op FileOp) {
	t.Helper()
	assert.Eventually(t, func() bool {
		ops := sink.ops(path)
		return len(ops) > 0 && ops[len(ops)-1] == op
	}, 2*time.Second, 10*time.Millisecond, "expected %s on %s", op, path)
}

// --- constructor ---

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(f, []byte("id: a"), 0o644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestNewFileWatcher_MissingPathAllowed(t *testing.T) {
	w, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "later.yaml")})
	require.NoError(t, err)
	assert.Len(t, w.Paths(), 1)
}

// --- lifecycle ---

func TestFileWatcher_StartStop(t *testing.T) {
	w := fastWatcher(t)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestFileWatcher_ContextCancelStops(t *testing.T) {
	w := fastWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !w.IsRunning() }, time.Second, 5*time.Millisecond)
}

// --- change detection ---

func TestFileWatcher_DetectsWriteCreateRemove(t *testing.T) {
	for _, tc := range watcherBackends {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			existing := filepath.Join(dir, "a.yaml")
			later := filepath.Join(dir, "b.yaml")
			require.NoError(t, os.WriteFile(existing, []byte("id: a"), 0o644))

			w := newTestWatcher(t, []string{existing, later}, tc.opts...)
			sink := &eventSink{}
			w.OnChange(sink.add)
			require.NoError(t, w.Start(context.Background()))
			defer w.Stop()
			assert.Equal(t, tc.name, w.Backend())

			// 轮询后端依赖修改时间或大小变化
			require.NoError(t, os.WriteFile(existing, []byte("id: a\nname: changed"), 0o644))
			waitForOp(t, sink, existing, FileOpWrite)

			require.NoError(t, os.WriteFile(later, []byte("id: b"), 0o644))
			waitForOp(t, sink, later, FileOpCreate)

			require.NoError(t, os.Remove(later))
			waitForOp(t, sink, later, FileOpRemove)
		})
	}
}

func TestFileWatcher_DirectoryPicksUpNewFiles(t *testing.T) {
	for _, tc := range watcherBackends {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			opts := append([]WatcherOption{WithExtensions(".yaml", ".json")}, tc.opts...)
			w := newTestWatcher(t, []string{dir}, opts...)
			sink := &eventSink{}
			w.OnChange(sink.add)
			require.NoError(t, w.Start(context.Background()))
			defer w.Stop()

			added := filepath.Join(dir, "new.yaml")
			ignored := filepath.Join(dir, "notes.txt")
			require.NoError(t, os.WriteFile(ignored, []byte("x"), 0o644))
			require.NoError(t, os.WriteFile(added, []byte("name: new"), 0o644))
			waitForOp(t, sink, added, FileOpCreate)

			require.NoError(t, os.WriteFile(added, []byte("name: newer flow"), 0o644))
			waitForOp(t, sink, added, FileOpWrite)

			require.NoError(t, os.Remove(added))
			waitForOp(t, sink, added, FileOpRemove)
			assert.Empty(t, sink.ops(ignored))
		})
	}
}

func TestFileWatcher_SubdirectoriesAreNotReported(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))

	w := newTestWatcher(t, []string{dir})
	assert.True(t, w.matchesLocked(filepath.Join(dir, "a.yaml")))
	assert.False(t, w.matchesLocked(filepath.Join(sub, "a.yaml")))
}

func TestQueue_CreateAbsorbsWrites(t *testing.T) {
	pending := map[string]FileEvent{}
	queue(pending, FileEvent{Path: "a", Op: FileOpCreate})
	queue(pending, FileEvent{Path: "a", Op: FileOpWrite})
	assert.Equal(t, FileOpCreate, pending["a"].Op)

	queue(pending, FileEvent{Path: "a", Op: FileOpRemove})
	assert.Equal(t, FileOpRemove, pending["a"].Op)
}

func TestFileWatcher_CallbackPanicDoesNotStopLoop(t *testing.T) {
	f := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	w := fastWatcher(t, f)
	sink := &eventSink{}
	w.OnChange(func(FileEvent) { panic("boom") })
	w.OnChange(sink.add)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(f, []byte("xy"), 0o644))
	assert.Eventually(t, func() bool { return len(sink.ops(f)) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.IsRunning())
}

// --- paths ---

func TestFileWatcher_AddPathWhileRunning(t *testing.T) {
	for _, tc := range watcherBackends {
		t.Run(tc.name, func(t *testing.T) {
			first, second := t.TempDir(), t.TempDir()
			w := newTestWatcher(t, []string{first}, tc.opts...)
			sink := &eventSink{}
			w.OnChange(sink.add)
			require.NoError(t, w.Start(context.Background()))
			defer w.Stop()

			require.NoError(t, w.AddPath(second))
			f := filepath.Join(second, "late.yaml")
			require.NoError(t, os.WriteFile(f, []byte("name: late"), 0o644))
			waitForOp(t, sink, f, FileOpCreate)
		})
	}
}

func TestFileWatcher_AddRemovePath(t *testing.T) {
	dir := t.TempDir()
	w := fastWatcher(t)

	p := filepath.Join(dir, "c.yaml")
	require.NoError(t, w.AddPath(p))
	require.NoError(t, w.AddPath(p))
	assert.Equal(t, []string{p}, w.Paths())

	require.NoError(t, w.RemovePath(p))
	assert.Empty(t, w.Paths())
	assert.Error(t, w.RemovePath(p))
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(99).String())
}
