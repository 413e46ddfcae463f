// Package types provides core types and configurations for pageforge
package types

import (
	"context"
	"path/filepath"
	"time"
)

// AssetType identifies a family of source files handled by one converter
type AssetType string

const (
	AssetStyles  AssetType = "styles"
	AssetScripts AssetType = "scripts"
	AssetHTMLs   AssetType = "htmls"
	AssetImages  AssetType = "images"
	AssetFonts   AssetType = "fonts"
	AssetPublic  AssetType = "public"
)

// TaskKind is the structural kind of a task
type TaskKind string

const (
	TaskKindLeaf     TaskKind = "leaf"
	TaskKindSequence TaskKind = "sequence"
	TaskKindParallel TaskKind = "parallel"
)

// RunStatus is the outcome of a task run
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// PathPatterns holds the source globs, each relative to the source directory
type PathPatterns struct {
	Styles  string `mapstructure:"styles" yaml:"styles" json:"styles"`
	Scripts string `mapstructure:"scripts" yaml:"scripts" json:"scripts"`
	HTMLs   string `mapstructure:"htmls" yaml:"htmls" json:"htmls"`
	Images  string `mapstructure:"images" yaml:"images" json:"images"`
	Fonts   string `mapstructure:"fonts" yaml:"fonts" json:"fonts"`
}

// Get returns the pattern for an asset type
func (p PathPatterns) Get(asset AssetType) string {
	switch asset {
	case AssetStyles:
		return p.Styles
	case AssetScripts:
		return p.Scripts
	case AssetHTMLs:
		return p.HTMLs
	case AssetImages:
		return p.Images
	case AssetFonts:
		return p.Fonts
	default:
		return ""
	}
}

// BuildConfig describes the directory layout of a site
type BuildConfig struct {
	Src    string       `mapstructure:"src" yaml:"src" json:"src"`
	Dist   string       `mapstructure:"dist" yaml:"dist" json:"dist"`
	Temp   string       `mapstructure:"temp" yaml:"temp" json:"temp"`
	Public string       `mapstructure:"public" yaml:"public" json:"public"`
	Paths  PathPatterns `mapstructure:"paths" yaml:"paths" json:"paths"`
}

// ServerConfig represents development server settings
type ServerConfig struct {
	Port   int               `mapstructure:"port" yaml:"port" json:"port"`
	Open   bool              `mapstructure:"open" yaml:"open" json:"open"`
	Routes map[string]string `mapstructure:"routes" yaml:"routes" json:"routes"`
}

// WatchConfig represents file watching settings
type WatchConfig struct {
	// Debounce is the settling delay in milliseconds
	Debounce int `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
}

// StyleConfig configures the style converter
type StyleConfig struct {
	// Compiler is "auto", "sass" or "builtin"
	Compiler    string `mapstructure:"compiler" yaml:"compiler" json:"compiler"`
	OutputStyle string `mapstructure:"outputStyle" yaml:"outputStyle" json:"outputStyle"`
}

// ScriptConfig configures the script converter
type ScriptConfig struct {
	Target string `mapstructure:"target" yaml:"target" json:"target"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `mapstructure:"file" yaml:"file" json:"file"`
	Level LogLevel `mapstructure:"level" yaml:"level" json:"level"`
}

// Config is the site configuration. It is built once at startup and
// never mutated afterwards; every component receives the same pointer.
type Config struct {
	Build         BuildConfig            `mapstructure:"build" yaml:"build" json:"build"`
	Data          map[string]interface{} `mapstructure:"-" yaml:"data,omitempty" json:"data,omitempty"`
	Server        ServerConfig           `mapstructure:"server" yaml:"server" json:"server"`
	Watch         WatchConfig            `mapstructure:"watch" yaml:"watch" json:"watch"`
	Styles        StyleConfig            `mapstructure:"styles" yaml:"styles" json:"styles"`
	Scripts       ScriptConfig           `mapstructure:"scripts" yaml:"scripts" json:"scripts"`
	Notifications NotificationConfig     `mapstructure:"notifications" yaml:"notifications" json:"notifications"`
	Logging       LoggingConfig          `mapstructure:"logging" yaml:"logging" json:"logging"`

	// WorkDir is the absolute directory every relative path is resolved against
	WorkDir string `mapstructure:"-" yaml:"-" json:"-"`
}

// Resolve returns a copy of the config anchored at workDir
func (c *Config) Resolve(workDir string) (*Config, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	resolved := *c
	resolved.WorkDir = abs
	return &resolved, nil
}

// Path resolves a config-relative path against the working directory
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.WorkDir, p)
}

func (c *Config) SrcDir() string    { return c.Path(c.Build.Src) }
func (c *Config) DistDir() string   { return c.Path(c.Build.Dist) }
func (c *Config) TempDir() string   { return c.Path(c.Build.Temp) }
func (c *Config) PublicDir() string { return c.Path(c.Build.Public) }

// SettlingDelay returns the watch debounce window
func (c *Config) SettlingDelay() time.Duration {
	if c.Watch.Debounce <= 0 {
		return 0
	}
	return time.Duration(c.Watch.Debounce) * time.Millisecond
}

// TaskReport describes one finished task run
type TaskReport struct {
	Name      string        `json:"name"`
	Kind      TaskKind      `json:"kind"`
	Status    RunStatus     `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	RunID     string        `json:"runId,omitempty"`
}

// Succeeded reports whether the run finished with RunStatusSuccess
func (r TaskReport) Succeeded() bool {
	return r.Status == RunStatusSuccess
}

// Observer receives task lifecycle events from the runner.
// Implementations must be safe for concurrent use.
type Observer interface {
	TaskStarted(ctx context.Context, name string, kind TaskKind)
	TaskFinished(ctx context.Context, report TaskReport)
}
