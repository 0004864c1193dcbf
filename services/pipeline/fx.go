package pipeline

import (
	"certificate-pipeline/services/certificate"
	"certificate-pipeline/services/delivery"
	"certificate-pipeline/services/enrollment"

	"go.uber.org/fx"
)

// Module wires the orchestrator. Dispatch needs only the asynq client.
var Module = fx.Module("pipeline.orchestrator",
	fx.Provide(
		NewDispatcher,
		func(s *enrollment.Service) Directory { return s },
		func(g *certificate.Generator) Renderer { return g },
		func(m *delivery.Manager) Deliverer { return m },
		NewOrchestrator,
	),
)

// Worker adds the task handlers; it needs the asynq server mux.
var Worker = fx.Module("pipeline.worker",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterHandlers),
)
