// Package engine composes the site pipelines and runs them: one-shot
// builds through the Runner, and the develop loop that keeps a dev server,
// a file watcher and live reload alive until cancelled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pageforge/pageforge/internal/watcher"
	"github.com/pageforge/pageforge/pkg/config"
	pcontext "github.com/pageforge/pageforge/pkg/context"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/metrics"
	"github.com/pageforge/pageforge/pkg/notifier"
	"github.com/pageforge/pageforge/pkg/process"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/state"
	"github.com/pageforge/pageforge/pkg/types"
)

// ShutdownTimeout bounds how long Serve waits for in-flight reruns and
// open connections once it is cancelled
var ShutdownTimeout = 30 * time.Second

// Dependencies are the collaborators of an Engine. Converters is required;
// everything else is optional.
type Dependencies struct {
	Converters Converters
	// Hub is the live-reload hub served by the dev server
	Hub *reload.Hub
	// Reload receives reload scopes; defaults to Hub
	Reload   reload.Notifier
	Server   DevServer
	Metrics  *metrics.Recorder
	Notifier *notifier.TaskNotifier
	State    *state.StateManager
	// Observers are notified in addition to Metrics and State
	Observers []types.Observer
	// ConfigFile is re-read during develop when set
	ConfigFile string
}

// Engine runs pipelines for one site
type Engine struct {
	cfg     *types.Config
	logger  logger.Logger
	deps    Dependencies
	reload  reload.Notifier
	builder *PipelineBuilder
	runner  *Runner

	mu      sync.Mutex
	serving bool
	locks   map[string]*sync.Mutex
}

// New creates an engine
func New(cfg *types.Config, log logger.Logger, deps Dependencies) *Engine {
	if deps.Converters == nil {
		panic("Converters dependency is required")
	}
	if log == nil {
		log = logger.Discard()
	}

	n := deps.Reload
	if n == nil {
		if deps.Hub != nil {
			n = deps.Hub
		} else {
			n = reload.Nop{}
		}
	}

	var observers []types.Observer
	if deps.Metrics != nil {
		observers = append(observers, deps.Metrics)
	}
	if deps.State != nil {
		observers = append(observers, deps.State)
	}
	observers = append(observers, deps.Observers...)

	return &Engine{
		cfg:     cfg,
		logger:  log,
		deps:    deps,
		reload:  n,
		builder: NewPipelineBuilder(cfg, deps.Converters, log),
		runner:  NewRunner(log, n, observers...),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Pipeline returns the named task graph
func (e *Engine) Pipeline(name string) (*Task, error) {
	return e.builder.Lookup(name, e.Serve)
}

// Run executes the named pipeline. The result is returned even when the
// run fails; the error is then the first failure.
func (e *Engine) Run(ctx context.Context, name string) (*RunResult, error) {
	task, err := e.Pipeline(name)
	if err != nil {
		return nil, err
	}
	if err := CheckDisjoint(task); err != nil {
		return nil, err
	}

	result := e.runner.Run(ctx, task)
	if result.Failed() {
		return result, result.Err
	}
	return result, nil
}

// Serve is the action of the develop pipeline's serve task. It starts the
// dev server and the watcher, then blocks until ctx is cancelled or either
// of them fails. In-flight reruns are drained before it returns.
func (e *Engine) Serve(ctx context.Context) error {
	e.mu.Lock()
	if e.serving {
		e.mu.Unlock()
		return errors.New("already serving")
	}
	e.serving = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.serving = false
		e.mu.Unlock()
	}()

	stack := process.NewManager(e.logger)
	defer stack.Shutdown()
	if e.deps.Hub != nil {
		stack.RegisterShutdownHandler(e.deps.Hub.Shutdown)
	}

	opts := watcher.Options{
		Debounce:  e.cfg.SettlingDelay(),
		OnError:   e.watchFailed,
		OnSuccess: e.watchSucceeded,
	}
	if e.deps.Metrics != nil {
		opts.Metrics = e.deps.Metrics
	}
	w, err := watcher.New(e.logger, opts)
	if err != nil {
		return err
	}
	stack.RegisterShutdownHandler(func() {
		sctx, cancel := shutdownContext(ctx)
		defer cancel()
		if err := w.Stop(sctx); err != nil {
			e.logger.Warn("Watcher did not stop cleanly", logger.WithError(err))
		}
	})

	bindings, err := e.Bindings()
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := w.Add(b); err != nil {
			return fmt.Errorf("failed to watch '%s': %w", b.Name, err)
		}
	}

	srv := e.deps.Server
	if srv != nil {
		if err := srv.Start(ctx); err != nil {
			return err
		}
		stack.RegisterShutdownHandler(func() {
			sctx, cancel := shutdownContext(ctx)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				e.logger.Warn("Server did not stop cleanly", logger.WithError(err))
			}
		})
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	if reloader := e.watchConfig(ctx); reloader != nil {
		stack.RegisterShutdownHandler(func() {
			if err := reloader.StopWatching(); err != nil {
				e.logger.Debug("Failed to stop config watcher", logger.WithError(err))
			}
		})
	}

	var serveErr <-chan error
	if es, ok := srv.(interface{ Errors() <-chan error }); ok {
		serveErr = es.Errors()
	}

	if srv != nil {
		e.logger.Info("Watching for changes...", logger.WithField("url", srv.URL()))
	} else {
		e.logger.Info("Watching for changes...")
	}

	select {
	case <-ctx.Done():
		return nil
	case <-w.Done():
		return fmt.Errorf("watcher stopped: %w", w.Err())
	case err, ok := <-serveErr:
		if !ok || err == nil {
			err = errors.New("server closed")
		}
		return fmt.Errorf("dev server failed: %w", err)
	}
}

// shutdownContext outlives the cancelled serve context so that stopping
// can drain in-flight work
func shutdownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
}

// Bindings maps every watched asset to its reaction: compiled assets rerun
// their task, which then notifies its reload scope; images, fonts and the
// public tree only trigger a full page reload.
func (e *Engine) Bindings() ([]watcher.Binding, error) {
	src := e.cfg.SrcDir()
	var bindings []watcher.Binding

	for _, asset := range []types.AssetType{types.AssetStyles, types.AssetHTMLs, types.AssetScripts} {
		task, err := e.builder.TaskFor(asset)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, watcher.Binding{
			Name:     task.Name,
			BaseDir:  src,
			Patterns: []string{e.cfg.Build.Paths.Get(asset)},
			Run: func(ctx context.Context, changed []string) error {
				return e.rerun(ctx, task, changed)
			},
		})
	}

	for _, asset := range []types.AssetType{types.AssetImages, types.AssetFonts} {
		bindings = append(bindings, e.reloadBinding(string(asset), src, e.cfg.Build.Paths.Get(asset), asset))
	}
	bindings = append(bindings, e.reloadBinding(string(types.AssetPublic), e.cfg.PublicDir(), "**", types.AssetPublic))

	return bindings, nil
}

func (e *Engine) reloadBinding(name, base, pattern string, asset types.AssetType) watcher.Binding {
	return watcher.Binding{
		Name:     name,
		BaseDir:  base,
		Patterns: []string{pattern},
		Run: func(context.Context, []string) error {
			e.reload.Notify(reload.FullPage(asset))
			return nil
		},
	}
}

// rerun runs task for a batch of changed files. Reruns of the same task
// never overlap, whichever source triggered them.
func (e *Engine) rerun(ctx context.Context, task *Task, changed []string) error {
	lock := e.lockFor(task.Name)
	lock.Lock()
	defer lock.Unlock()

	ctx = pcontext.WithRunID(ctx, pcontext.GenerateRunID())
	if len(changed) > 0 {
		ctx = pcontext.WithTrigger(ctx, changed[0])
	}
	logger.WithContext(ctx, e.logger).Debug(fmt.Sprintf("Rerunning '%s'", task.Name),
		logger.WithField("files", changed))

	if result := e.runner.Run(ctx, task); result.Failed() {
		return result.Err
	}
	return nil
}

func (e *Engine) lockFor(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[name] = lock
	}
	return lock
}

// watchConfig re-reads the config file while serving. New template data
// is applied and the pages rerun; every other setting needs a restart.
func (e *Engine) watchConfig(ctx context.Context) *config.ReloadManager {
	if e.deps.ConfigFile == "" {
		return nil
	}
	html, err := e.builder.HTML()
	if err != nil {
		e.logger.Warn("Config reload disabled", logger.WithError(err))
		return nil
	}

	runCtx := context.WithoutCancel(ctx)
	rm := config.NewReloadManager(e.deps.ConfigFile, e.cfg.WorkDir, e.logger)
	rm.SetDebouncePeriod(e.cfg.SettlingDelay())
	rm.AddCallback(func(cfg *types.Config, err error) {
		if err != nil {
			e.logger.Warn("Failed to reload configuration", logger.WithError(err))
			return
		}
		e.deps.Converters.SetTemplateData(cfg.Data)
		if err := e.rerun(runCtx, html, []string{e.deps.ConfigFile}); err != nil {
			e.watchFailed(html.Name, err)
			return
		}
		e.logger.Info("Template data reloaded; restart to apply other settings")
	})
	if err := rm.StartWatching(); err != nil {
		e.logger.Warn("Failed to watch configuration file", logger.WithError(err))
		return nil
	}
	return rm
}

func (e *Engine) watchFailed(binding string, err error) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyTaskFailure(binding, err)
	}
}

func (e *Engine) watchSucceeded(binding string, duration time.Duration) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyTaskSuccess(binding, duration)
	}
}
