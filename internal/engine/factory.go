package engine

import (
	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/metrics"
	"github.com/pageforge/pageforge/pkg/notifier"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/server"
	"github.com/pageforge/pageforge/pkg/state"
	"github.com/pageforge/pageforge/pkg/types"
)

// FactoryOptions carries command-line overrides into the created
// dependencies
type FactoryOptions struct {
	// ConfigFile is the loaded override file, "" when defaults are used
	ConfigFile string
	// Port and Open override the server section; see server.Options
	Port int
	Open *bool
}

// DependencyFactory creates the production implementations of the engine's
// dependencies, so constructors never fall back to hidden concrete types.
type DependencyFactory struct {
	cfg    *types.Config
	logger logger.Logger
	opts   FactoryOptions
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(cfg *types.Config, log logger.Logger, opts FactoryOptions) *DependencyFactory {
	if log == nil {
		log = logger.Discard()
	}
	return &DependencyFactory{cfg: cfg, logger: log, opts: opts}
}

// CreateDefaults creates every dependency
func (f *DependencyFactory) CreateDefaults() Dependencies {
	recorder := metrics.NewRecorder(nil)
	hub := reload.NewHub(f.logger.WithTask("reload"), recorder)
	srv := server.New(f.cfg, server.Options{
		Port:    f.opts.Port,
		Open:    f.opts.Open,
		Hub:     hub,
		Metrics: recorder.Handler(),
	}, f.logger)

	return Dependencies{
		Converters: converter.NewFactory(f.cfg, f.logger),
		Hub:        hub,
		Server:     srv,
		Metrics:    recorder,
		Notifier:   notifier.New(notifier.Config{Enabled: f.cfg.Notifications.Enabled}, f.logger),
		State:      state.NewStateManager(f.cfg.WorkDir, f.logger),
		ConfigFile: f.opts.ConfigFile,
	}
}

// CreateWithOverrides creates dependencies with specific overrides.
// Non-nil values replace the defaults.
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) Dependencies {
	deps := f.CreateDefaults()

	if overrides.Converters != nil {
		deps.Converters = overrides.Converters
	}
	if overrides.Hub != nil {
		deps.Hub = overrides.Hub
	}
	if overrides.Reload != nil {
		deps.Reload = overrides.Reload
	}
	if overrides.Server != nil {
		deps.Server = overrides.Server
	}
	if overrides.Metrics != nil {
		deps.Metrics = overrides.Metrics
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.State != nil {
		deps.State = overrides.State
	}
	if overrides.Observers != nil {
		deps.Observers = overrides.Observers
	}
	if overrides.ConfigFile != "" {
		deps.ConfigFile = overrides.ConfigFile
	}

	return deps
}
