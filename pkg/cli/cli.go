// Package cli provides the pageforge command-line interface
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/pkg/config"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

// CLI owns the command tree and the state shared by its commands
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer

	// set by loadSite
	site       *types.Config
	configFile string
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(config *Config) *CLI {
	if config == nil {
		config = NewConfig()
	}

	cli := &CLI{
		config:   config,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(config *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(config)
	cli.output = output
	cli.errorOut = errorOut
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	c.rootCmd.SetOut(c.output)
	c.rootCmd.SetErr(c.errorOut)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "pageforge",
		Short: "Build and serve static sites",
		Long: `pageforge compiles a site's styles, pages and scripts into a distributable
folder, and serves it with live reload while you edit.`,

		SilenceUsage:      true,
		PersistentPreRunE: c.initializeLogger,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("pageforge {{.Version}}\n")

	c.rootCmd.AddCommand(c.newBuildCmd())
	c.rootCmd.AddCommand(c.newDevelopCmd())
	c.rootCmd.AddCommand(c.newCleanCmd())
	c.rootCmd.AddCommand(c.newPlanCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newConfigCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: pages.config.{yaml,yml,json} in --cwd)")
	flags.StringVar(&c.config.WorkDir, "cwd", ".", "site root directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&c.config.LogFile, "log-file", "", "also append log output to this file")
}

func (c *CLI) initializeLogger(cmd *cobra.Command, args []string) error {
	c.logger = c.newLogger(c.config.LogFile, c.config.Verbosity)
	return nil
}

func (c *CLI) newLogger(file, level string) logger.Logger {
	if f, ok := c.output.(*os.File); ok && f == os.Stdout {
		return logger.CreateLogger(file, level)
	}
	return logger.CreateLoggerWithOutput(file, level, c.output)
}

// loadSite loads the effective site configuration. The logging section
// applies unless the matching flags were given.
func (c *CLI) loadSite() error {
	workDir, err := filepath.Abs(c.config.WorkDir)
	if err != nil {
		return fmt.Errorf("invalid --cwd: %w", err)
	}

	m := config.NewManager()
	site, err := m.LoadConfig(workDir, c.config.ConfigFile, c.logger)
	if err != nil {
		return err
	}

	flags := c.rootCmd.PersistentFlags()
	level, file := c.config.Verbosity, c.config.LogFile
	if !flags.Changed("verbosity") && site.Logging.Level != "" {
		level = string(site.Logging.Level)
	}
	if !flags.Changed("log-file") && site.Logging.File != "" {
		file = site.Path(site.Logging.File)
	}
	if level != c.config.Verbosity || file != c.config.LogFile {
		c.logger = c.newLogger(file, level)
	}

	c.site = site
	c.configFile = m.ConfigFile()
	return nil
}

// ExecuteWithVersion runs the CLI on the process arguments
func ExecuteWithVersion(version string) error {
	config := NewConfig()
	config.Version = version
	cli := NewCLI(config)
	return cli.Execute(os.Args[1:])
}
