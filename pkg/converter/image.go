package converter

import (
	"bytes"
	"context"
	"image/png"
	"path"
	"strings"

	"github.com/tdewolff/minify/v2"

	"github.com/pageforge/pageforge/pkg/logger"
)

// ImageConverter compresses images and fonts on their way to the
// distribution tree. SVG is minified, PNG is re-encoded at best compression
// when that is smaller, and everything else is copied byte for byte.
type ImageConverter struct {
	base
	minifier *minify.M
}

// NewImageConverter creates an image/font converter with the given name
func NewImageConverter(name string, log logger.Logger) *ImageConverter {
	return &ImageConverter{
		base:     newBase(name, log),
		minifier: newMinifier(true),
	}
}

// Convert implements Converter
func (c *ImageConverter) Convert(ctx context.Context, src Source, destDir string, opts Options) error {
	files, err := Expand(src)
	if err != nil {
		return err
	}

	optimize := opts.Bool("optimize", true)

	return Each(ctx, files, func(ctx context.Context, rel string) error {
		input, err := c.fs.ReadFile(outputPath(src.Base, rel))
		if err != nil {
			return c.fileError(rel, err)
		}

		output := input
		if optimize {
			if output, err = c.optimize(rel, input); err != nil {
				return c.fileError(rel, err)
			}
		}

		return c.write(destDir, rel, output)
	})
}

// Outputs implements Planner
func (c *ImageConverter) Outputs(src Source, destDir string) ([]string, error) {
	return identityOutputs(src, destDir, nil)
}

func (c *ImageConverter) optimize(rel string, input []byte) ([]byte, error) {
	switch strings.ToLower(path.Ext(rel)) {
	case ".svg":
		return c.minifier.Bytes(mimeSVG, input)
	case ".png":
		return recompressPNG(input), nil
	default:
		return input, nil
	}
}

// recompressPNG returns the smaller of the original and a best-compression
// re-encode. Undecodable input is passed through untouched.
func recompressPNG(input []byte) []byte {
	img, err := png.Decode(bytes.NewReader(input))
	if err != nil {
		return input
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil || buf.Len() >= len(input) {
		return input
	}
	return buf.Bytes()
}
