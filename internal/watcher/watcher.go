// Package watcher maps filesystem changes to the bindings that must re-run.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/utils"
)

// State is the watcher lifecycle state
type State int32

const (
	StateIdle State = iota
	StateWatching
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrStopped is returned when adding bindings to or starting a stopped watcher
var ErrStopped = errors.New("watcher stopped")

// Metrics receives binding activity
type Metrics interface {
	WatchTriggered(binding string)
}

// Options configures a Watcher
type Options struct {
	// Debounce is the settling window per binding
	Debounce time.Duration
	// Exclusions are matched against every path segment; defaults to
	// utils.GetDefaultExclusions
	Exclusions []string
	Metrics    Metrics
	// OnError receives the error of every failed binding run
	OnError func(binding string, err error)
	// OnSuccess receives every successful binding run
	OnSuccess func(binding string, duration time.Duration)
}

// Watcher observes the base directories of its bindings with fsnotify and
// runs each matching binding after its settling window. Runs of one
// binding never overlap; events arriving during a run coalesce into a
// single follow-up run.
type Watcher struct {
	fsw        *fsnotify.Watcher
	logger     logger.Logger
	opts       Options
	exclusions *utils.ExclusionMatcher

	mu       sync.Mutex
	bindings []*binding
	dirs     map[string]bool
	digests  map[string]uint64
	active   int
	stopped  bool
	started  bool
	runCtx   context.Context

	state    atomic.Int32
	runs     sync.WaitGroup
	loopDone chan struct{}
	err      error
	stopOnce sync.Once
}

// New creates a watcher in the Idle state
func New(log logger.Logger, opts Options) (*Watcher, error) {
	if log == nil {
		log = logger.Discard()
	}
	if opts.Exclusions == nil {
		opts.Exclusions = utils.GetDefaultExclusions()
	}
	exclusions, err := utils.NewExclusionMatcher(opts.Exclusions)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsw:        fsw,
		logger:     log.WithTask("watch"),
		opts:       opts,
		exclusions: exclusions,
		dirs:       make(map[string]bool),
		digests:    make(map[string]uint64),
		runCtx:     context.Background(),
		loopDone:   make(chan struct{}),
	}, nil
}

// Add registers a binding and starts observing its base directory
func (w *Watcher) Add(b Binding) error {
	bd, err := newBinding(b)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.bindings = append(w.bindings, bd)
	w.mu.Unlock()

	for _, root := range bd.roots() {
		if !utils.DirectoryExists(root) {
			if err := w.watchAncestor(b.Name, root); err != nil {
				return err
			}
			continue
		}
		if err := w.addRecursive(root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	w.logger.Debug(fmt.Sprintf("Watching %v in %s for '%s'", b.Patterns, bd.base, b.Name))
	return nil
}

// Start begins processing events. The context bounds the event loop only;
// binding runs in flight continue after it is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	w.started = true
	w.runCtx = context.WithoutCancel(ctx)
	w.mu.Unlock()

	w.state.Store(int32(StateWatching))
	go w.loop(ctx)
	return nil
}

// State returns the current lifecycle state
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Done is closed when the event loop exits
func (w *Watcher) Done() <-chan struct{} {
	return w.loopDone
}

// Err returns the error that terminated the event loop, if any
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop releases all filesystem handles, cancels pending settling timers
// and waits for in-flight runs until ctx is done
func (w *Watcher) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		started := w.started
		bindings := append([]*binding(nil), w.bindings...)
		w.mu.Unlock()

		w.state.Store(int32(StateStopped))
		closeErr := w.fsw.Close()
		if started {
			<-w.loopDone
		} else {
			close(w.loopDone)
		}

		for _, b := range bindings {
			b.cancel()
		}

		done := make(chan struct{})
		go func() {
			w.runs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for running tasks: %w", ctx.Err())
		}
		if err == nil && closeErr != nil {
			err = closeErr
		}
		w.logger.Debug("Stopped watching")
	})
	return err
}

// HandleChange processes a change to an absolute path as if it had been
// reported by the filesystem
func (w *Watcher) HandleChange(path string) {
	w.dispatch(filepath.Clean(path))
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", logger.WithError(err))
			w.mu.Lock()
			w.err = fmt.Errorf("watch failed: %w", err)
			w.mu.Unlock()
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)
	if w.exclusions.IsExcluded(filepath.Base(path)) || !w.relevant(path) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(path); err != nil {
				w.logger.Warn(fmt.Sprintf("Failed to watch new directory %s", path), logger.WithError(err))
			}
			// files copied in with the directory produce no events of their own
			w.dispatchTree(path)
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forget(path)
		w.dispatch(path)
		return
	}

	if !w.changed(path) {
		w.logger.Debug(fmt.Sprintf("Ignoring unchanged %s", path))
		return
	}
	w.dispatch(path)
}

// dispatch schedules every binding whose patterns match path
func (w *Watcher) dispatch(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	bindings := append([]*binding(nil), w.bindings...)
	w.mu.Unlock()

	for _, b := range bindings {
		rel, ok := b.relative(path)
		if !ok || w.exclusions.IsExcluded(rel) || !b.matcher.Match(rel) {
			continue
		}
		b.schedule(rel, w.opts.Debounce, func() { w.fire(b) })
	}
}

func (w *Watcher) dispatchTree(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && w.exclusions.IsExcluded(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.changed(p) {
			w.dispatch(p)
		}
		return nil
	})
}

// fire starts a binding run unless one is in flight, in which case the
// run is marked pending
func (w *Watcher) fire(b *binding) {
	files, ok := b.begin()
	if !ok {
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		b.finish()
		return
	}
	w.runs.Add(1)
	ctx := w.runCtx
	w.mu.Unlock()

	go func() {
		defer w.runs.Done()
		for {
			w.execute(ctx, b, files)

			w.mu.Lock()
			stopped := w.stopped
			w.mu.Unlock()

			var more bool
			files, more = b.next(stopped)
			if !more {
				return
			}
		}
	}()
}

func (w *Watcher) execute(ctx context.Context, b *binding, files []string) {
	w.enterDispatch()
	defer w.leaveDispatch()

	if w.opts.Metrics != nil {
		w.opts.Metrics.WatchTriggered(b.Name)
	}
	w.logger.Debug(fmt.Sprintf("Change in %v triggers '%s'", files, b.Name))

	start := time.Now()
	err := b.invoke(ctx, files)
	if err != nil {
		w.logger.Warn(fmt.Sprintf("'%s' failed; still watching for changes", b.Name), logger.WithError(err))
		if w.opts.OnError != nil {
			w.opts.OnError(b.Name, err)
		}
		return
	}
	if w.opts.OnSuccess != nil {
		w.opts.OnSuccess(b.Name, time.Since(start))
	}
}

func (w *Watcher) enterDispatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active++
	if !w.stopped {
		w.state.Store(int32(StateDispatching))
	}
}

func (w *Watcher) leaveDispatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	if w.active == 0 && !w.stopped {
		w.state.Store(int32(StateWatching))
	}
}

// changed updates the stored digest of path and reports whether the
// content differs from the previous one. Unreadable files count as changed.
func (w *Watcher) changed(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		w.forget(path)
		return true
	}
	sum := xxhash.Sum64(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	prev, seen := w.digests[path]
	w.digests[path] = sum
	return !seen || prev != sum
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.digests, path)
	delete(w.dirs, path)
}

// watchAncestor observes the closest existing parent of a missing root so
// that the root is picked up once it is created
func (w *Watcher) watchAncestor(name, root string) error {
	dir := root
	for !utils.DirectoryExists(dir) {
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing parent of %s", root)
		}
		dir = parent
	}

	w.logger.Warn(fmt.Sprintf("%s does not exist yet; '%s' starts once it is created", root, name),
		logger.WithField("watching", dir))

	w.mu.Lock()
	seen := w.dirs[dir]
	w.dirs[dir] = true
	w.mu.Unlock()
	if seen {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		w.mu.Lock()
		delete(w.dirs, dir)
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return nil
}

// relevant reports whether path lies below a binding base, or on the way
// to a base that does not exist yet
func (w *Watcher) relevant(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range w.bindings {
		if utils.IsWithin(b.base, path) || utils.IsWithin(path, b.base) {
			return true
		}
	}
	return false
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.exclusions.IsExcluded(d.Name()) {
			return filepath.SkipDir
		}

		w.mu.Lock()
		seen := w.dirs[p]
		w.dirs[p] = true
		w.mu.Unlock()
		if seen {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			w.mu.Lock()
			delete(w.dirs, p)
			w.mu.Unlock()
			if p == root {
				return err
			}
			w.logger.Warn(fmt.Sprintf("Failed to watch directory %s", p), logger.WithError(err))
		}
		return nil
	})
}
