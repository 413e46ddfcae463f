// Package converter defines the source-to-output transforms invoked by
// build tasks, together with their implementations per asset type.
package converter

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pageforge/pageforge/pkg/safegroup"
	"github.com/pageforge/pageforge/pkg/utils"
)

// Source describes the files a converter consumes: every regular file below
// Base whose slash-separated relative path matches one of Patterns. The
// relative path is preserved in the output tree.
type Source struct {
	Base     string
	Patterns []string
}

// Options is a free-form, converter-specific configuration. Tasks forward
// it without interpreting it.
type Options map[string]interface{}

// Converter transforms the files described by a Source into destDir.
// A failure on any single file fails the whole invocation. A Source that
// matches no files is a successful no-op.
type Converter interface {
	Name() string
	Convert(ctx context.Context, src Source, destDir string, opts Options) error
}

// Planner is implemented by converters that can list the files a Convert
// call would write without performing it.
type Planner interface {
	Outputs(src Source, destDir string) ([]string, error)
}

// FileError reports the file a converter failed on
type FileError struct {
	Converter string
	Path      string
	Err       error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Converter, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Expand returns the relative, slash-separated paths of all files matched
// by src, in lexical order. A missing base directory matches nothing.
func Expand(src Source) ([]string, error) {
	matcher, err := utils.NewPatternMatcher(src.Patterns)
	if err != nil {
		return nil, err
	}

	files, err := utils.NewFileSystemUtils().ListFiles(src.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", src.Base, err)
	}

	return matcher.GetMatchingPaths(files), nil
}

// Each calls fn for every file with bounded concurrency and returns the
// first error. Remaining files are skipped once the context is cancelled.
func Each(ctx context.Context, files []string, fn func(ctx context.Context, rel string) error) error {
	g, ctx := safegroup.WithContext(ctx, nil)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)

	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, rel)
		})
	}

	return g.Wait()
}

// String returns a string option or def
func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns a boolean option or def
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// Map returns a map option, or nil
func (o Options) Map(key string) map[string]interface{} {
	if v, ok := o[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// Strings returns a string list option, or def
func (o Options) Strings(key string, def []string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return def
}

// outputPath joins a slash relative path to destDir
func outputPath(destDir, rel string) string {
	return filepath.Join(destDir, filepath.FromSlash(rel))
}

// replaceExt swaps the extension of a relative path
func replaceExt(rel, ext string) string {
	return strings.TrimSuffix(rel, filepath.Ext(rel)) + ext
}
