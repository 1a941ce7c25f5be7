//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"signalcartel/internal/config"
)

func buildAppWithWire(ctx context.Context, src *config.Source) (*App, error) {
	wire.Build(provideAppBuilder, wire.Bind(new(appBuilderDeps), new(*AppBuilder)), provideAppFromBuilder)
	return nil, nil
}
