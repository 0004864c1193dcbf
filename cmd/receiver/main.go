package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/db"
	"certificate-pipeline/pkg/gen"
	"certificate-pipeline/pkg/hashistack/secretmanager"
	"certificate-pipeline/pkg/httpapi"
	"certificate-pipeline/pkg/logger"
	"certificate-pipeline/pkg/otelcol"
	"certificate-pipeline/pkg/redis"
	"certificate-pipeline/pkg/server"
	"certificate-pipeline/pkg/task"
	"certificate-pipeline/services/completion"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/pipeline"
	"certificate-pipeline/services/webhook"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		ledger.Migrations,
		ledger.Module,
		completion.Module,
		fx.Provide(pipeline.NewDispatcher),
		server.ProvideHTTPServer,
		httpapi.Module,
		webhook.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
