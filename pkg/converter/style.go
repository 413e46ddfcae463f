package converter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

// Style compiler modes
const (
	CompilerAuto    = "auto"
	CompilerSass    = "sass"
	CompilerBuiltin = "builtin"
)

// ErrSassNotFound is returned when the sass compiler was requested but is
// not installed
var ErrSassNotFound = errors.New("sass executable not found in PATH")

// StyleConverter compiles .scss/.sass/.css sources into .css. Files whose
// name starts with "_" are partials and produce no output.
type StyleConverter struct {
	base
	compiler    string
	outputStyle string
	lookPath    func(string) (string, error)
}

// NewStyleConverter creates a style converter
func NewStyleConverter(cfg types.StyleConfig, log logger.Logger) *StyleConverter {
	compiler := cfg.Compiler
	if compiler == "" {
		compiler = CompilerAuto
	}
	return &StyleConverter{
		base:        newBase("style", log),
		compiler:    compiler,
		outputStyle: cfg.OutputStyle,
		lookPath:    exec.LookPath,
	}
}

// Convert implements Converter. Option "outputStyle" (expanded|compressed)
// overrides the configured style.
func (c *StyleConverter) Convert(ctx context.Context, src Source, destDir string, opts Options) error {
	files, err := Expand(src)
	if err != nil {
		return err
	}

	style := opts.String("outputStyle", c.outputStyle)
	if style == "" {
		style = "expanded"
	}

	sassPath, err := c.resolveSass()
	if err != nil {
		return err
	}

	return Each(ctx, files, func(ctx context.Context, rel string) error {
		if isPartial(rel) {
			return nil
		}

		input, err := c.fs.ReadFile(outputPath(src.Base, rel))
		if err != nil {
			return c.fileError(rel, err)
		}

		var css []byte
		if sassPath != "" {
			loadPath := filepath.Dir(outputPath(src.Base, rel))
			args := []string{"--stdin", "--no-source-map", "--style=" + style, "--load-path=" + loadPath}
			if strings.HasSuffix(rel, ".sass") {
				args = append(args, "--indented")
			}
			css, err = c.runCommand(ctx, src.Base, input, sassPath, args...)
		} else {
			css, err = c.compileBuiltin(rel, input, style)
		}
		if err != nil {
			return c.fileError(rel, err)
		}

		return c.write(destDir, replaceExt(rel, ".css"), css)
	})
}

// Outputs implements Planner
func (c *StyleConverter) Outputs(src Source, destDir string) ([]string, error) {
	return identityOutputs(src, destDir, func(rel string) (string, bool) {
		if isPartial(rel) {
			return "", false
		}
		return replaceExt(rel, ".css"), true
	})
}

// resolveSass returns the sass executable to use, or "" for the builtin
// compiler.
func (c *StyleConverter) resolveSass() (string, error) {
	if c.compiler == CompilerBuiltin {
		return "", nil
	}

	p, err := c.lookPath("sass")
	if err != nil {
		if c.compiler == CompilerSass {
			return "", ErrSassNotFound
		}
		return "", nil
	}
	return p, nil
}

// compileBuiltin handles plain CSS with nesting. Sass-only syntax is
// reported as a compile error.
func (c *StyleConverter) compileBuiltin(rel string, input []byte, style string) ([]byte, error) {
	if strings.HasSuffix(rel, ".sass") {
		return nil, fmt.Errorf("indented syntax requires the sass compiler")
	}

	result := api.Transform(string(input), api.TransformOptions{
		Loader:           api.LoaderCSS,
		Sourcefile:       rel,
		MinifyWhitespace: style == "compressed",
		MinifySyntax:     style == "compressed",
		Engines:          []api.Engine{{Name: api.EngineChrome, Version: "80"}},
		LogLevel:         api.LogLevelSilent,
		Charset:          api.CharsetUTF8,
	})
	if len(result.Errors) > 0 {
		return nil, messagesError(result.Errors)
	}
	return result.Code, nil
}

func isPartial(rel string) bool {
	return strings.HasPrefix(path.Base(rel), "_")
}

// messagesError flattens esbuild diagnostics into one error
func messagesError(msgs []api.Message) error {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			lines = append(lines, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
		} else {
			lines = append(lines, m.Text)
		}
	}
	return errors.New(strings.Join(lines, "; "))
}
