package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/pageforge/pageforge/pkg/config"
	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/types"
	"github.com/pageforge/pageforge/pkg/utils"
)

// Pipeline and task names
const (
	PipelineClean   = "clean"
	PipelineCompile = "compile"
	PipelineBuild   = "build"
	PipelineDevelop = "develop"

	TaskStyle  = "style"
	TaskHTML   = "html"
	TaskScript = "script"
	TaskUseref = "useref"
	TaskImg    = "img"
	TaskFont   = "font"
	TaskOther  = "other"
	TaskServe  = "serve"
)

// Pipelines lists the pipeline names that can be invoked
func Pipelines() []string {
	return []string{PipelineBuild, PipelineClean, PipelineCompile, PipelineDevelop}
}

// PipelineBuilder composes task graphs from the config
type PipelineBuilder struct {
	cfg        *types.Config
	converters Converters
	fs         *utils.FileSystemUtils
	logger     logger.Logger
}

// NewPipelineBuilder creates a builder
func NewPipelineBuilder(cfg *types.Config, converters Converters, log logger.Logger) *PipelineBuilder {
	if log == nil {
		log = logger.Discard()
	}
	return &PipelineBuilder{
		cfg:        cfg,
		converters: converters,
		fs:         utils.NewFileSystemUtils(),
		logger:     log,
	}
}

// Lookup returns the named pipeline. serve is the action of the develop
// pipeline's serve task and may be nil for other pipelines.
func (b *PipelineBuilder) Lookup(name string, serve Action) (*Task, error) {
	switch name {
	case PipelineClean:
		return b.Clean(), nil
	case PipelineCompile:
		return b.Compile()
	case PipelineBuild:
		return b.Build()
	case PipelineDevelop:
		if serve == nil {
			return nil, fmt.Errorf("%w: %s needs a serve action", ErrInvalidTask, name)
		}
		return b.Develop(serve)
	default:
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownPipeline, name, Pipelines())
	}
}

// Clean removes the dist and temp directories. Absent directories are fine.
// It refuses to run when either folder is the site root, lies outside it,
// or holds the sources.
func (b *PipelineBuilder) Clean() *Task {
	dirs := []string{b.cfg.DistDir(), b.cfg.TempDir()}
	return Leaf(PipelineClean, func(ctx context.Context) error {
		if err := config.CheckOutputDirs(b.cfg); err != nil {
			return fmt.Errorf("refusing to clean: %w", err)
		}
		for _, dir := range dirs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := b.fs.RemoveDirectory(dir); err != nil {
				return fmt.Errorf("failed to remove %s: %w", dir, err)
			}
		}
		return nil
	}, WithPlan(func() ([]string, error) {
		return dirs, nil
	}))
}

// Style compiles stylesheets into the temp tree
func (b *PipelineBuilder) Style() (*Task, error) {
	return b.convert(TaskStyle, types.AssetStyles, b.srcSource(types.AssetStyles), b.cfg.TempDir(),
		converter.Options{"outputStyle": b.cfg.Styles.OutputStyle},
		WithReload(reload.Inject(types.AssetStyles)))
}

// HTML renders templates into the temp tree
func (b *PipelineBuilder) HTML() (*Task, error) {
	return b.convert(TaskHTML, types.AssetHTMLs, b.srcSource(types.AssetHTMLs), b.cfg.TempDir(),
		converter.Options{},
		WithReload(reload.FullPage(types.AssetHTMLs)))
}

// Script transpiles scripts into the temp tree
func (b *PipelineBuilder) Script() (*Task, error) {
	return b.convert(TaskScript, types.AssetScripts, b.srcSource(types.AssetScripts), b.cfg.TempDir(),
		converter.Options{"target": b.cfg.Scripts.Target},
		WithReload(reload.FullPage(types.AssetScripts)))
}

// Img optimises images straight into dist
func (b *PipelineBuilder) Img() (*Task, error) {
	return b.convert(TaskImg, types.AssetImages, b.srcSource(types.AssetImages), b.cfg.DistDir(),
		converter.Options{"optimize": true})
}

// Font copies fonts straight into dist
func (b *PipelineBuilder) Font() (*Task, error) {
	return b.convert(TaskFont, types.AssetFonts, b.srcSource(types.AssetFonts), b.cfg.DistDir(),
		converter.Options{"optimize": true})
}

// Other copies the public tree verbatim into dist
func (b *PipelineBuilder) Other() (*Task, error) {
	src := converter.Source{Base: b.cfg.PublicDir(), Patterns: []string{"**"}}
	return b.convert(TaskOther, types.AssetPublic, src, b.cfg.DistDir(), converter.Options{})
}

// Useref merges build blocks of the compiled pages and minifies the result
// into dist
func (b *PipelineBuilder) Useref() *Task {
	conv := b.converters.Useref()
	src := converter.Source{Base: b.cfg.TempDir(), Patterns: []string{b.cfg.Build.Paths.HTMLs}}
	opts := converter.Options{
		"minifyJS":           true,
		"minifyCSS":          true,
		"minifyHTML":         true,
		"collapseWhitespace": true,
	}

	var taskOpts []TaskOption
	if planner, ok := conv.(converter.Planner); ok {
		// compiled pages do not exist yet when planning; their sources
		// carry the same build blocks at the same relative paths
		planSrc := b.srcSource(types.AssetHTMLs)
		taskOpts = append(taskOpts, WithPlan(func() ([]string, error) {
			return planner.Outputs(planSrc, b.cfg.DistDir())
		}))
	}

	return Leaf(TaskUseref, func(ctx context.Context) error {
		return conv.Convert(ctx, src, b.cfg.DistDir(), opts)
	}, taskOpts...)
}

// Compile = Parallel(style, html, script)
func (b *PipelineBuilder) Compile() (*Task, error) {
	style, err := b.Style()
	if err != nil {
		return nil, err
	}
	html, err := b.HTML()
	if err != nil {
		return nil, err
	}
	script, err := b.Script()
	if err != nil {
		return nil, err
	}
	return Parallel(PipelineCompile, style, html, script), nil
}

// Build = Sequence(clean, Parallel(Sequence(compile, useref), img, font, other))
func (b *PipelineBuilder) Build() (*Task, error) {
	compile, err := b.Compile()
	if err != nil {
		return nil, err
	}
	img, err := b.Img()
	if err != nil {
		return nil, err
	}
	font, err := b.Font()
	if err != nil {
		return nil, err
	}
	other, err := b.Other()
	if err != nil {
		return nil, err
	}

	return Sequence(PipelineBuild,
		b.Clean(),
		Parallel("build:assets",
			Sequence("build:pages", compile, b.Useref()),
			img, font, other,
		),
	), nil
}

// Develop = Sequence(compile, serve)
func (b *PipelineBuilder) Develop(serve Action) (*Task, error) {
	compile, err := b.Compile()
	if err != nil {
		return nil, err
	}
	return Sequence(PipelineDevelop, compile, Leaf(TaskServe, serve)), nil
}

// TaskFor returns the compile task re-run when an asset changes, or nil
// for assets that only need a reload
func (b *PipelineBuilder) TaskFor(asset types.AssetType) (*Task, error) {
	switch asset {
	case types.AssetStyles:
		return b.Style()
	case types.AssetHTMLs:
		return b.HTML()
	case types.AssetScripts:
		return b.Script()
	default:
		return nil, nil
	}
}

func (b *PipelineBuilder) srcSource(asset types.AssetType) converter.Source {
	return converter.Source{Base: b.cfg.SrcDir(), Patterns: []string{b.cfg.Build.Paths.Get(asset)}}
}

func (b *PipelineBuilder) convert(name string, asset types.AssetType, src converter.Source, dest string, opts converter.Options, extra ...TaskOption) (*Task, error) {
	conv, err := b.converters.ForAsset(asset)
	if err != nil {
		return nil, fmt.Errorf("task '%s': %w", name, err)
	}

	taskOpts := append([]TaskOption(nil), extra...)
	if planner, ok := conv.(converter.Planner); ok {
		taskOpts = append(taskOpts, WithPlan(func() ([]string, error) {
			outputs, err := planner.Outputs(src, dest)
			if err != nil {
				return nil, err
			}
			sort.Strings(outputs)
			return outputs, nil
		}))
	}

	return Leaf(name, func(ctx context.Context) error {
		return conv.Convert(ctx, src, dest, opts)
	}, taskOpts...), nil
}
