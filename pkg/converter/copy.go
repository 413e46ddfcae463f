package converter

import (
	"context"

	"github.com/pageforge/pageforge/pkg/logger"
)

// CopyConverter copies matched files verbatim
type CopyConverter struct {
	base
}

// NewCopyConverter creates a copy converter
func NewCopyConverter(log logger.Logger) *CopyConverter {
	return &CopyConverter{base: newBase("copy", log)}
}

// Convert implements Converter
func (c *CopyConverter) Convert(ctx context.Context, src Source, destDir string, _ Options) error {
	files, err := Expand(src)
	if err != nil {
		return err
	}

	return Each(ctx, files, func(ctx context.Context, rel string) error {
		if err := c.fs.CopyFile(outputPath(src.Base, rel), outputPath(destDir, rel)); err != nil {
			return c.fileError(rel, err)
		}
		return nil
	})
}

// Outputs implements Planner
func (c *CopyConverter) Outputs(src Source, destDir string) ([]string, error) {
	return identityOutputs(src, destDir, nil)
}
