// Package config handles configuration loading and management
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
	"github.com/pageforge/pageforge/pkg/utils"
)

const (
	// ConfigName is the base name of the optional override file
	ConfigName = "pages.config"
	// EnvPrefix prefixes environment overrides, e.g. PAGEFORGE_BUILD_DIST
	EnvPrefix = "PAGEFORGE"
	// DefaultFile is the file written by "pageforge init"
	DefaultFile = ConfigName + ".yaml"
)

// ErrConfigExists is returned by WriteDefault when the file is present
var ErrConfigExists = errors.New("configuration file already exists")

// Manager handles configuration operations
type Manager struct {
	configFile string
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// ConfigFile returns the override file used by the last successful load,
// or "" when defaults were used.
func (m *Manager) ConfigFile() string {
	return m.configFile
}

// LoadConfig builds the effective configuration for workDir. An explicit
// configPath must exist; otherwise pages.config.{yaml,yml,json} is looked up
// in workDir. A missing override file means defaults. A file that cannot be
// parsed, or whose values fail validation, is ignored as a whole.
func (m *Manager) LoadConfig(workDir, configPath string, log logger.Logger) (*types.Config, error) {
	if log == nil {
		log = logger.Discard()
	}
	m.configFile = ""

	if configPath != "" {
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
	}

	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(workDir)
		v.SetConfigName(ConfigName)
	}

	cfg, err := m.readOverride(v, log)
	if err != nil {
		log.Debug("Ignoring configuration file", logger.WithError(err))
		cfg, err = decode(newViper())
		if err != nil {
			return nil, err
		}
		m.configFile = ""
	}

	resolved, err := cfg.Resolve(workDir)
	if err != nil {
		return nil, err
	}
	if err := CheckOutputDirs(resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (m *Manager) readOverride(v *viper.Viper, log logger.Logger) (*types.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			log.Debug("No configuration file found, using defaults")
			return decode(v)
		}
		return nil, err
	}

	file := v.ConfigFileUsed()
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	data, err := readData(file)
	if err != nil {
		return nil, err
	}
	cfg.Data = data

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	m.configFile = file
	log.Debug("Using configuration file", logger.WithField("file", file))
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("build.src", d.Build.Src)
	v.SetDefault("build.dist", d.Build.Dist)
	v.SetDefault("build.temp", d.Build.Temp)
	v.SetDefault("build.public", d.Build.Public)
	v.SetDefault("build.paths.styles", d.Build.Paths.Styles)
	v.SetDefault("build.paths.scripts", d.Build.Paths.Scripts)
	v.SetDefault("build.paths.htmls", d.Build.Paths.HTMLs)
	v.SetDefault("build.paths.images", d.Build.Paths.Images)
	v.SetDefault("build.paths.fonts", d.Build.Paths.Fonts)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.open", d.Server.Open)
	v.SetDefault("server.routes", d.Server.Routes)

	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("styles.compiler", d.Styles.Compiler)
	v.SetDefault("styles.outputstyle", d.Styles.OutputStyle)
	v.SetDefault("scripts.target", d.Scripts.Target)
	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.level", string(d.Logging.Level))
}

func decode(v *viper.Viper) (*types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// readData decodes the "data" object a second time so that key case is
// preserved for templates.
func readData(file string) (map[string]interface{}, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", filepath.Ext(file))
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Data map[string]interface{} `yaml:"data"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode template data: %w", err)
	}
	return doc.Data, nil
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *types.Config {
	return &types.Config{
		Build: types.BuildConfig{
			Src:    "src",
			Dist:   "dist",
			Temp:   "temp",
			Public: "public",
			Paths: types.PathPatterns{
				Styles:  "assets/styles/*.scss",
				Scripts: "assets/scripts/*.js",
				HTMLs:   "*.html",
				Images:  "assets/images/**",
				Fonts:   "assets/fonts/**",
			},
		},
		Server: types.ServerConfig{
			Port: 8888,
			Open: true,
			Routes: map[string]string{
				"/node_modules": "node_modules",
			},
		},
		Watch: types.WatchConfig{
			Debounce: 100,
		},
		Styles: types.StyleConfig{
			Compiler:    "auto",
			OutputStyle: "expanded",
		},
		Scripts: types.ScriptConfig{
			Target: "es2015",
		},
		Logging: types.LoggingConfig{
			Level: types.LogLevelInfo,
		},
	}
}

// Validate checks the invariants every loaded configuration must hold
func Validate(cfg *types.Config) error {
	dirs := map[string]string{
		"build.src":    cfg.Build.Src,
		"build.dist":   cfg.Build.Dist,
		"build.temp":   cfg.Build.Temp,
		"build.public": cfg.Build.Public,
	}
	for _, key := range []string{"build.src", "build.dist", "build.temp", "build.public"} {
		if strings.TrimSpace(dirs[key]) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}

	for _, asset := range []types.AssetType{types.AssetStyles, types.AssetScripts, types.AssetHTMLs, types.AssetImages, types.AssetFonts} {
		pattern := cfg.Build.Paths.Get(asset)
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("build.paths.%s must not be empty", asset)
		}
		if filepath.IsAbs(pattern) || strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("build.paths.%s must be relative, got %q", asset, pattern)
		}
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Styles.Compiler {
	case "", "auto", "sass", "builtin":
	default:
		return fmt.Errorf("styles.compiler must be auto, sass or builtin, got %q", cfg.Styles.Compiler)
	}

	return nil
}

// CheckOutputDirs rejects dist and temp folders that clean must not remove:
// the site root, anything outside it, or a folder holding src or public.
// cfg must be resolved.
func CheckOutputDirs(cfg *types.Config) error {
	outputs := []struct{ key, dir string }{
		{"build.dist", cfg.DistDir()},
		{"build.temp", cfg.TempDir()},
	}
	inputs := []struct{ key, dir string }{
		{"build.src", cfg.SrcDir()},
		{"build.public", cfg.PublicDir()},
	}

	for _, out := range outputs {
		if filepath.Clean(out.dir) == filepath.Clean(cfg.WorkDir) {
			return fmt.Errorf("%s must not be the site root", out.key)
		}
		if !utils.IsWithin(cfg.WorkDir, out.dir) {
			return fmt.Errorf("%s must be inside %s, got %s", out.key, cfg.WorkDir, out.dir)
		}
		for _, in := range inputs {
			if utils.IsWithin(out.dir, in.dir) {
				return fmt.Errorf("%s must not contain %s (%s)", out.key, in.key, in.dir)
			}
		}
	}
	return nil
}

// WriteDefault writes the default configuration as YAML into dir
func WriteDefault(dir string, force bool) (string, error) {
	path := filepath.Join(dir, DefaultFile)
	if _, err := os.Stat(path); err == nil && !force {
		return path, ErrConfigExists
	}

	data, err := Marshal(DefaultConfig())
	if err != nil {
		return path, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return path, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Marshal renders a configuration as YAML
func Marshal(cfg *types.Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}
