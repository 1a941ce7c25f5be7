//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject

package app

import (
	"context"
	"signalcartel/internal/config"
)

func buildAppWithWire(ctx context.Context, src *config.Source) (*App, error) {
	appBuilder := provideAppBuilder(src)
	app, err := provideAppFromBuilder(appBuilder, ctx)
	if err != nil {
		return nil, err
	}
	return app, nil
}
