package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/internal/engine"
	"github.com/pageforge/pageforge/pkg/config"
	pcontext "github.com/pageforge/pageforge/pkg/context"
	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/notifier"
	"github.com/pageforge/pageforge/pkg/process"
	"github.com/pageforge/pageforge/pkg/state"
	"github.com/pageforge/pageforge/pkg/types"
	"github.com/pageforge/pageforge/pkg/utils"
)

func (c *CLI) newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Clean the output folders and build the site into dist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), engine.PipelineBuild, engine.FactoryOptions{})
		},
	}
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the temp and dist folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), engine.PipelineClean, engine.FactoryOptions{})
		},
	}
}

func (c *CLI) newDevelopCmd() *cobra.Command {
	var (
		port   int
		noOpen bool
	)

	cmd := &cobra.Command{
		Use:   "develop",
		Short: "Compile the site, then serve it with live reload",
		Long: `Compile the site into the temp folder, then serve it and rerun the matching
task whenever a source file changes. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FactoryOptions{Port: port}
			if noOpen {
				open := false
				opts.Open = &open
			}
			return c.runPipeline(cmd.Context(), engine.PipelineDevelop, opts)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to serve on (default: server.port)")
	cmd.Flags().BoolVar(&noOpen, "no-open", false, "do not open a browser")

	return cmd
}

// runPipeline runs one pipeline until it finishes or the process is
// interrupted, and returns the first failing task's error
func (c *CLI) runPipeline(ctx context.Context, name string, opts engine.FactoryOptions) error {
	if err := c.loadSite(); err != nil {
		return err
	}
	opts.ConfigFile = c.configFile

	deps := engine.NewDependencyFactory(c.site, c.logger, opts).CreateDefaults()
	e := engine.New(c.site, c.logger, deps)

	ctx, cancel := context.WithCancel(ctx)
	pm := process.NewManager(c.logger)
	ctx = pm.Start(ctx)
	defer func() {
		cancel()
		pm.Wait()
	}()

	if _, err := e.Run(pcontext.EnrichContext(ctx), name); err != nil {
		return fmt.Errorf("%s failed: %w", name, c.explainOverlap(err))
	}

	if name == engine.PipelineBuild {
		c.reportOutput()
	}
	return nil
}

// explainOverlap restates an overlapping-writes error with site-relative
// paths, naming the public file that shadows a build output
func (c *CLI) explainOverlap(err error) error {
	var overlapErr *engine.OverlapError
	if !errors.As(err, &overlapErr) {
		return err
	}

	path := overlapErr.Path()
	msg := fmt.Sprintf("'%s' and '%s' both write %s", overlapErr.Tasks[0], overlapErr.Tasks[1], c.relPath(path))
	for _, task := range overlapErr.Tasks {
		if task != engine.TaskOther {
			continue
		}
		if rel, relErr := filepath.Rel(c.site.DistDir(), path); relErr == nil && !strings.HasPrefix(rel, "..") {
			msg += fmt.Sprintf("; %s shadows a build output", c.relPath(filepath.Join(c.site.PublicDir(), rel)))
		}
	}
	return fmt.Errorf("%w: %s", engine.ErrOverlappingWrites, msg)
}

func (c *CLI) relPath(path string) string {
	rel, err := filepath.Rel(c.site.WorkDir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (c *CLI) reportOutput() {
	dist := c.site.DistDir()
	size, count, err := utils.GetDirectorySize(dist)
	if err != nil {
		c.logger.Debug("Failed to measure output", logger.WithError(err))
		return
	}
	c.logger.Success(fmt.Sprintf("Wrote %d files (%s) to %s", count, utils.FormatBytes(size), dist))
}

func (c *CLI) newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "plan [pipeline]",
		Short:     "Print a pipeline's task tree and check its outputs",
		Long:      `Print the task tree of a pipeline (default: build) and verify that no two concurrently running tasks write the same path.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: engine.Pipelines(),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := engine.PipelineBuild
			if len(args) == 1 {
				name = args[0]
			}
			return c.runPlan(name)
		},
	}
}

func (c *CLI) runPlan(name string) error {
	if err := c.loadSite(); err != nil {
		return err
	}

	e := engine.New(c.site, c.logger, engine.Dependencies{
		Converters: converter.NewFactory(c.site, c.logger),
	})
	task, err := e.Pipeline(name)
	if err != nil {
		return err
	}

	if err := engine.Describe(c.output, task, true); err != nil {
		return err
	}
	if err := engine.CheckDisjoint(task); err != nil {
		return c.explainOverlap(err)
	}

	fmt.Fprintln(c.output)
	fmt.Fprintln(c.output, color.GreenString("✓"), "concurrent tasks write disjoint paths")
	return nil
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task]",
		Short: "Show the last recorded run of every task, or details of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.runTaskStatus(args[0])
			}
			return c.runStatus()
		},
	}
}

func (c *CLI) runStatus() error {
	if err := c.loadSite(); err != nil {
		return err
	}

	sm := state.NewStateManager(c.site.WorkDir, c.logger)
	states, err := sm.DiscoverStates()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(c.output, "No runs recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tSTATUS\tLAST RUN\tDURATION\tRUNS\tFAILURES")
	fmt.Fprintln(w, "----\t----\t------\t--------\t--------\t----\t--------")

	for _, st := range states {
		status := color.GreenString(string(st.Status))
		if st.Status == types.RunStatusFailure {
			status = color.RedString(string(st.Status))
		}
		lastRun := "-"
		if !st.LastRunTime.IsZero() {
			lastRun = st.LastRunTime.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			st.TaskName, st.Kind, status, lastRun,
			notifier.FormatDuration(st.Duration), st.RunCount, st.FailureCount)
	}

	return w.Flush()
}

func (c *CLI) runTaskStatus(name string) error {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid task name %q", name)
	}
	if err := c.loadSite(); err != nil {
		return err
	}

	st, err := state.NewStateManager(c.site.WorkDir, c.logger).ReadState(name)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no run recorded for '%s'", name)
	}
	if err != nil {
		return err
	}

	status := color.GreenString(string(st.Status))
	if st.Status == types.RunStatusFailure {
		status = color.RedString(string(st.Status))
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Task:\t%s (%s)\n", st.TaskName, st.Kind)
	fmt.Fprintf(w, "Status:\t%s\n", status)
	fmt.Fprintf(w, "Last run:\t%s\n", st.LastRunTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration:\t%s\n", notifier.FormatDuration(st.Duration))
	fmt.Fprintf(w, "Runs:\t%d (%d failed)\n", st.RunCount, st.FailureCount)
	if st.RunID != "" {
		fmt.Fprintf(w, "Run ID:\t%s\n", st.RunID)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Error:\t%s\n", st.LastError)
	}
	return w.Flush()
}

func (c *CLI) newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.DefaultFile,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(c.config.WorkDir)
			if err != nil {
				return err
			}
			path, err := config.WriteDefault(dir, force)
			if errors.Is(err, config.ErrConfigExists) {
				return fmt.Errorf("%s already exists, use --force to overwrite it", path)
			}
			if err != nil {
				return err
			}
			c.logger.Success(fmt.Sprintf("Created %s", path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")

	return cmd
}

func (c *CLI) newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.loadSite(); err != nil {
				return err
			}
			data, err := config.Marshal(c.site)
			if err != nil {
				return err
			}
			_, err = c.output.Write(data)
			return err
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version := c.config.Version
			if version == "" {
				version = "dev"
			}
			fmt.Fprintf(c.output, "pageforge %s\n", version)
		},
	}
}
