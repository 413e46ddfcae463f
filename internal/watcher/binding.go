package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/pageforge/pageforge/pkg/utils"
)

// Binding associates glob patterns, relative to BaseDir, with the work
// that must run when a matching file changes
type Binding struct {
	Name     string
	BaseDir  string
	Patterns []string
	// Run receives the changed paths relative to BaseDir
	Run func(ctx context.Context, changed []string) error
}

type binding struct {
	Binding
	base    string
	matcher *utils.PatternMatcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	pending bool
	changed map[string]struct{}
}

func newBinding(b Binding) (*binding, error) {
	if b.Name == "" {
		return nil, errors.New("binding needs a name")
	}
	if b.Run == nil {
		return nil, fmt.Errorf("binding '%s' has no run function", b.Name)
	}
	for _, p := range b.Patterns {
		if filepath.IsAbs(p) {
			return nil, fmt.Errorf("binding '%s': pattern %q must be relative to its base directory", b.Name, p)
		}
	}

	base, err := filepath.Abs(b.BaseDir)
	if err != nil {
		return nil, err
	}
	matcher, err := utils.NewPatternMatcher(b.Patterns)
	if err != nil {
		return nil, fmt.Errorf("binding '%s': %w", b.Name, err)
	}
	if len(matcher.Patterns()) == 0 {
		return nil, fmt.Errorf("binding '%s' has no patterns", b.Name)
	}

	return &binding{
		Binding: b,
		base:    base,
		matcher: matcher,
		changed: make(map[string]struct{}),
	}, nil
}

// roots returns the directories to observe: the static prefix of each
// pattern when it exists, otherwise the base directory
func (b *binding) roots() []string {
	seen := make(map[string]bool)
	var roots []string
	for _, p := range b.matcher.Patterns() {
		root := b.base
		if prefix := utils.StaticPrefix(p); prefix != "" {
			candidate := filepath.Join(b.base, filepath.FromSlash(prefix))
			if utils.DirectoryExists(candidate) {
				root = candidate
			}
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

// relative returns path relative to the base in slash form
func (b *binding) relative(path string) (string, bool) {
	if !utils.IsWithin(b.base, path) || path == b.base {
		return "", false
	}
	rel, err := filepath.Rel(b.base, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// schedule records a change and (re)starts the settling timer. While a run
// is in flight the change only marks the binding pending.
func (b *binding) schedule(rel string, debounce time.Duration, fire func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.changed[rel] = struct{}{}
	if b.running {
		b.pending = true
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(debounce, fire)
}

// begin marks the binding running and takes the accumulated changes.
// It returns false if a run is already in flight.
func (b *binding) begin() ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timer = nil
	if b.running {
		b.pending = true
		return nil, false
	}
	b.running = true
	b.pending = false
	return b.take(), true
}

// next is called after a run. It returns the changes for a follow-up run
// if more events arrived meanwhile, otherwise it marks the binding idle.
func (b *binding) next(stopped bool) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending && !stopped {
		b.pending = false
		return b.take(), true
	}
	b.running = false
	b.pending = false
	return nil, false
}

func (b *binding) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.pending = false
}

func (b *binding) cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = false
}

func (b *binding) take() []string {
	files := make([]string, 0, len(b.changed))
	for rel := range b.changed {
		files = append(files, rel)
	}
	sort.Strings(files)
	b.changed = make(map[string]struct{})
	return files
}

func (b *binding) invoke(ctx context.Context, changed []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return b.Run(ctx, changed)
}
