//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"CandleFlow/pkg/config"
	"CandleFlow/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// The returned cleanup closes infrastructure clients.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure
		ProvideHistory,
		ProvideSnapshots,
		ProvideSinks,
		ProvideSources,

		// Engine
		ProvideIngestFilter,
		ProvideAggregator,

		// Delivery
		ProvideStreamHandler,
		ProvideHTTPServer,

		ProvideApp,
	)
	return nil, nil, nil
}
