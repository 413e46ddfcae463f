package cli

// Config holds the global command-line settings
type Config struct {
	// ConfigFile is an explicit override file; it must exist when set
	ConfigFile string
	// WorkDir is the site root every relative path is resolved against
	WorkDir   string
	Verbosity string
	// LogFile receives a copy of the log output when set
	LogFile string
	Version string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		WorkDir:   ".",
		Verbosity: "info",
	}
}
