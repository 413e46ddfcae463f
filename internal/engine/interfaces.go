package engine

import (
	"context"

	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/types"
)

// Converters supplies the converter for each pipeline step.
// Implemented by *converter.Factory and mocks.MockConverters.
type Converters interface {
	ForAsset(asset types.AssetType) (converter.Converter, error)
	Useref() converter.Converter
	SetTemplateData(data map[string]interface{})
}

// DevServer is the HTTP side of the serve task
type DevServer interface {
	Start(ctx context.Context) error
	URL() string
	Shutdown(ctx context.Context) error
}
