package converter

import (
	"bytes"
	"context"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/yuin/goldmark"

	"github.com/pageforge/pageforge/pkg/logger"
)

var registerFilters sync.Once

// TemplateConverter renders Django-style templates with the site data.
// Templates are parsed on every call so edits to included files are
// always picked up.
type TemplateConverter struct {
	base
	mu   sync.RWMutex
	data map[string]interface{}
}

// NewTemplateConverter creates a template converter bound to site data
func NewTemplateConverter(data map[string]interface{}, log logger.Logger) *TemplateConverter {
	registerFilters.Do(func() {
		if !pongo2.FilterExists("markdown") {
			_ = pongo2.RegisterFilter("markdown", markdownFilter)
		}
	})

	return &TemplateConverter{
		base: newBase("template", log),
		data: data,
	}
}

// SetData replaces the site data used by subsequent renders
func (c *TemplateConverter) SetData(data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}

// Convert implements Converter. Option "data" is merged over the site data.
func (c *TemplateConverter) Convert(ctx context.Context, src Source, destDir string, opts Options) error {
	files, err := Expand(src)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	// no base dir: includes resolve relative to the including file
	set := pongo2.NewSet(c.name, pongo2.MustNewLocalFileSystemLoader(""))
	set.Debug = true
	vars := c.context(opts.Map("data"))

	// a template set is not safe for concurrent parsing
	var mu sync.Mutex
	return Each(ctx, files, func(ctx context.Context, rel string) error {
		mu.Lock()
		tpl, err := set.FromFile(outputPath(src.Base, rel))
		mu.Unlock()
		if err != nil {
			return c.fileError(rel, err)
		}

		out, err := tpl.ExecuteBytes(vars)
		if err != nil {
			return c.fileError(rel, err)
		}

		return c.write(destDir, rel, out)
	})
}

// Outputs implements Planner
func (c *TemplateConverter) Outputs(src Source, destDir string) ([]string, error) {
	return identityOutputs(src, destDir, nil)
}

func (c *TemplateConverter) context(extra map[string]interface{}) pongo2.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vars := make(pongo2.Context, len(c.data)+len(extra))
	for k, v := range c.data {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

func markdownFilter(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(in.String()), &buf); err != nil {
		return nil, &pongo2.Error{Sender: "filter:markdown", OrigError: err}
	}
	return pongo2.AsSafeValue(buf.String()), nil
}
