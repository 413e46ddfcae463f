package converter

import (
	"fmt"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

// Factory creates the converter for each asset type from the site config
type Factory struct {
	style    *StyleConverter
	template *TemplateConverter
	script   *ScriptConverter
	image    *ImageConverter
	font     *ImageConverter
	copy     *CopyConverter
	useref   *UserefConverter
}

// NewFactory creates a converter factory
func NewFactory(cfg *types.Config, log logger.Logger) *Factory {
	return &Factory{
		style:    NewStyleConverter(cfg.Styles, log),
		template: NewTemplateConverter(cfg.Data, log),
		script:   NewScriptConverter(cfg.Scripts, log),
		image:    NewImageConverter("image", log),
		font:     NewImageConverter("font", log),
		copy:     NewCopyConverter(log),
		useref:   NewUserefConverter(cfg.WorkDir, []string{cfg.TempDir(), cfg.WorkDir}, log),
	}
}

// ForAsset returns the converter handling an asset type
func (f *Factory) ForAsset(asset types.AssetType) (Converter, error) {
	switch asset {
	case types.AssetStyles:
		return f.style, nil
	case types.AssetHTMLs:
		return f.template, nil
	case types.AssetScripts:
		return f.script, nil
	case types.AssetImages:
		return f.image, nil
	case types.AssetFonts:
		return f.font, nil
	case types.AssetPublic:
		return f.copy, nil
	default:
		return nil, fmt.Errorf("no converter for asset type %q", asset)
	}
}

// Useref returns the reference-rewriting converter
func (f *Factory) Useref() Converter {
	return f.useref
}

// SetTemplateData swaps the data rendered into templates
func (f *Factory) SetTemplateData(data map[string]interface{}) {
	f.template.SetData(data)
}
