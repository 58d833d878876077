// 工作流定义文件变更监听器。
//
// 基于 fsnotify 目录事件触发回调，不支持文件系统事件时回退为轮询。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// 📄 事件类型
// =============================================================================

// FileOp is the kind of change detected on a watched file.
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String returns the string representation of FileOp.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent describes one detected change.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// Watcher backends reported by Backend.
const (
	BackendFSNotify = "fsnotify"
	BackendPoll     = "poll"
)

// =============================================================================
// ⚙️ 选项
// =============================================================================

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithDebounceDelay coalesces bursts of changes to the same path.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval sets how often files are stat'ed by the poll backend.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithPolling forces the poll backend.
func WithPolling() WatcherOption {
	return func(w *FileWatcher) {
		w.forcePoll = true
	}
}

// WithExtensions limits the files reported inside watched directories.
// Explicitly watched files are always reported.
func WithExtensions(exts ...string) WatcherOption {
	return func(w *FileWatcher) {
		w.exts = exts
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// =============================================================================
// 👀 文件监听器
// =============================================================================

// FileWatcher reports changes to a set of files and directories. Directories
// are watched non-recursively, so files created in them after Start are
// reported as CREATE. Callbacks run on the watcher goroutine, one at a time.
type FileWatcher struct {
	mu sync.RWMutex

	// 配置
	paths         []string
	dirs          map[string]bool
	exts          []string
	debounceDelay time.Duration
	pollInterval  time.Duration
	forcePoll     bool

	// 状态
	running bool
	backend string
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	callbacks []func(FileEvent)

	// 轮询回退的文件快照
	stamps map[string]fileStamp

	logger *zap.Logger
}

// NewFileWatcher creates a watcher over files and directories. Missing
// files are allowed and reported as CREATE once they appear.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		dirs:          make(map[string]bool),
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		stamps:        make(map[string]fileStamp),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("component", "definition_watcher"))

	for _, p := range paths {
		if err := w.addPathLocked(p); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// addPathLocked records path; the caller holds mu or owns w exclusively.
func (w *FileWatcher) addPathLocked(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	if slices.Contains(w.paths, abs) {
		return nil
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil:
		w.dirs[abs] = info.IsDir()
	case os.IsNotExist(err):
		w.logger.Warn("watched file does not exist yet", zap.String("path", abs))
	default:
		return fmt.Errorf("failed to stat path %s: %w", abs, err)
	}
	w.paths = append(w.paths, abs)
	return nil
}

// OnChange registers a callback.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching until ctx is cancelled or Stop is called. fsnotify
// is used unless WithPolling was given or it cannot be initialized.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}

	w.backend = BackendPoll
	w.fsw = nil
	if !w.forcePoll {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		} else {
			w.fsw = fsw
			w.backend = BackendFSNotify
			for _, dir := range w.watchDirsLocked() {
				if err := fsw.Add(dir); err != nil {
					w.logger.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
				}
			}
		}
	}
	if w.fsw == nil {
		w.stamps = w.scanLocked()
	}

	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done, fsw, backend := w.done, w.fsw, w.backend
	w.mu.Unlock()

	go w.loop(ctx, fsw, done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.Paths()),
		zap.String("backend", backend),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop halts watching and waits for the loop to exit.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
		tick     <-chan time.Time
	)
	if fsw != nil {
		defer fsw.Close()
		fsEvents, fsErrors = fsw.Events, fsw.Errors
	} else {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	pending := make(map[string]FileEvent)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			e, relevant := w.translate(ev)
			if !relevant {
				continue
			}
			queue(pending, e)
			debounce = time.After(w.debounceDelay)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case <-tick:
			events := w.poll()
			if len(events) == 0 {
				continue
			}
			for _, e := range events {
				queue(pending, e)
			}
			debounce = time.After(w.debounceDelay)
		case <-debounce:
			debounce = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// queue merges e into pending. A CREATE followed by writes stays a CREATE.
func queue(pending map[string]FileEvent, e FileEvent) {
	if prev, ok := pending[e.Path]; ok && prev.Op == FileOpCreate && e.Op == FileOpWrite {
		return
	}
	pending[e.Path] = e
}

// translate maps an fsnotify event on a watched path to a FileEvent.
func (w *FileWatcher) translate(ev fsnotify.Event) (FileEvent, bool) {
	path := filepath.Clean(ev.Name)
	w.mu.RLock()
	relevant := w.matchesLocked(path)
	w.mu.RUnlock()
	if !relevant {
		return FileEvent{}, false
	}

	e := FileEvent{Path: path, Timestamp: time.Now()}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		e.Op = FileOpRemove
	case ev.Has(fsnotify.Create):
		e.Op = FileOpCreate
	case ev.Has(fsnotify.Write):
		e.Op = FileOpWrite
	default:
		// chmod 等事件不影响内容
		return FileEvent{}, false
	}
	return e, true
}

// matchesLocked reports whether path is a watched file or a file with an
// accepted extension directly inside a watched directory.
func (w *FileWatcher) matchesLocked(path string) bool {
	for _, p := range w.paths {
		if w.dirs[p] {
			if filepath.Dir(path) == p && w.acceptsExt(path) {
				return true
			}
			continue
		}
		if p == path {
			return true
		}
	}
	return false
}

func (w *FileWatcher) acceptsExt(path string) bool {
	return len(w.exts) == 0 || slices.Contains(w.exts, filepath.Ext(path))
}

// watchDirsLocked returns the directories fsnotify must watch: watched
// directories and the parents of watched files.
func (w *FileWatcher) watchDirsLocked() []string {
	set := make(map[string]struct{})
	for _, p := range w.paths {
		if w.dirs[p] {
			set[p] = struct{}{}
		} else {
			set[filepath.Dir(p)] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	slices.Sort(dirs)
	return dirs
}

// =============================================================================
// 🔁 轮询回退
// =============================================================================

// scanLocked stats every watched file and every matching file inside
// watched directories.
func (w *FileWatcher) scanLocked() map[string]fileStamp {
	out := make(map[string]fileStamp)
	for _, p := range w.paths {
		if !w.dirs[p] {
			if st, ok := stat(p); ok {
				out[p] = st
			}
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range entries {
			f := filepath.Join(p, e.Name())
			if e.IsDir() || !w.acceptsExt(f) {
				continue
			}
			if st, ok := stat(f); ok {
				out[f] = st
			}
		}
	}
	return out
}

// poll compares a fresh scan with the last one.
func (w *FileWatcher) poll() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	current := w.scanLocked()
	var events []FileEvent
	for p, st := range current {
		prev, seen := w.stamps[p]
		switch {
		case !seen:
			events = append(events, FileEvent{Path: p, Op: FileOpCreate, Timestamp: now})
		case st.modTime.After(prev.modTime) || st.size != prev.size:
			events = append(events, FileEvent{Path: p, Op: FileOpWrite, Timestamp: now})
		}
	}
	for p := range w.stamps {
		if _, ok := current[p]; !ok {
			events = append(events, FileEvent{Path: p, Op: FileOpRemove, Timestamp: now})
		}
	}
	w.stamps = current
	return events
}

func (w *FileWatcher) dispatch(pending map[string]FileEvent) {
	w.mu.RLock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, evt := range pending {
		w.logger.Debug("dispatching file event",
			zap.String("path", evt.Path),
			zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			w.safeCallback(cb, evt)
		}
	}
}

func (w *FileWatcher) safeCallback(cb func(FileEvent), evt FileEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher callback panicked",
				zap.String("path", evt.Path),
				zap.Any("panic", r))
		}
	}()
	cb(evt)
}

// =============================================================================
// 🛠️ 路径管理
// =============================================================================

// AddPath starts watching a file or directory. Adding a watched path is a
// no-op.
func (w *FileWatcher) AddPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := len(w.paths)
	if err := w.addPathLocked(path); err != nil {
		return err
	}
	if len(w.paths) == before {
		return nil
	}
	abs := w.paths[len(w.paths)-1]
	if w.running && w.fsw != nil {
		dir := abs
		if !w.dirs[abs] {
			dir = filepath.Dir(abs)
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	if w.running && w.fsw == nil {
		w.stamps = w.scanLocked()
	}
	w.logger.Info("added path to watcher", zap.String("path", abs))
	return nil
}

// RemovePath stops reporting changes for path.
func (w *FileWatcher) RemovePath(path string) error {
	abs, _ := filepath.Abs(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	i := slices.Index(w.paths, abs)
	if i < 0 {
		return fmt.Errorf("path not found: %s", path)
	}
	w.paths = slices.Delete(w.paths, i, i+1)
	delete(w.dirs, abs)
	if w.running && w.fsw == nil {
		w.stamps = w.scanLocked()
	}
	w.logger.Info("removed path from watcher", zap.String("path", abs))
	return nil
}

// Paths returns the watched absolute paths.
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// Backend returns the active backend, or "" before Start.
func (w *FileWatcher) Backend() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.backend
}

// IsRunning reports whether the watch loop is active.
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func stat(path string) (fileStamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, true
}
