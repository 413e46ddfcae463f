package converter

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

var scriptTargets = map[string]api.Target{
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// ScriptConverter transpiles modern JavaScript down to a configured target
type ScriptConverter struct {
	base
	target string
}

// NewScriptConverter creates a script converter
func NewScriptConverter(cfg types.ScriptConfig, log logger.Logger) *ScriptConverter {
	return &ScriptConverter{
		base:   newBase("script", log),
		target: cfg.Target,
	}
}

// Convert implements Converter. Option "target" overrides the configured
// language level.
func (c *ScriptConverter) Convert(ctx context.Context, src Source, destDir string, opts Options) error {
	target, err := parseTarget(opts.String("target", c.target))
	if err != nil {
		return err
	}

	files, err := Expand(src)
	if err != nil {
		return err
	}

	return Each(ctx, files, func(ctx context.Context, rel string) error {
		input, err := c.fs.ReadFile(outputPath(src.Base, rel))
		if err != nil {
			return c.fileError(rel, err)
		}

		result := api.Transform(string(input), api.TransformOptions{
			Loader:     api.LoaderJS,
			Target:     target,
			Sourcefile: rel,
			LogLevel:   api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return c.fileError(rel, messagesError(result.Errors))
		}

		return c.write(destDir, rel, result.Code)
	})
}

// Outputs implements Planner
func (c *ScriptConverter) Outputs(src Source, destDir string) ([]string, error) {
	return identityOutputs(src, destDir, nil)
}

func parseTarget(name string) (api.Target, error) {
	if name == "" {
		return api.ES2015, nil
	}
	t, ok := scriptTargets[strings.ToLower(name)]
	if !ok {
		return api.DefaultTarget, fmt.Errorf("unknown script target %q", name)
	}
	return t, nil
}
