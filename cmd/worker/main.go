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
	"certificate-pipeline/pkg/minio"
	"certificate-pipeline/pkg/otelcol"
	"certificate-pipeline/pkg/profiling"
	"certificate-pipeline/pkg/redis"
	"certificate-pipeline/pkg/sequence"
	"certificate-pipeline/pkg/server"
	"certificate-pipeline/pkg/task"
	"certificate-pipeline/services/certificate"
	"certificate-pipeline/services/completion"
	"certificate-pipeline/services/delivery"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/pipeline"
	"certificate-pipeline/services/poller"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		minio.Client,
		task.Client,
		task.Server,
		ledger.Migrations,
		ledger.Module,
		enrollment.Module,
		completion.Module,
		certificate.Module,
		delivery.Module,
		pipeline.Module,
		pipeline.Worker,
		poller.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
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
