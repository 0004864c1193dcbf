package delivery

import (
	"certificate-pipeline/services/certificate"
	"certificate-pipeline/services/ledger"

	"go.uber.org/fx"
)

var Module = fx.Module("delivery.manager",
	fx.Provide(
		func(g *certificate.Generator) ArtifactLoader { return g },
		func(l *ledger.Service) AttemptRecorder { return l },
		NewManager,
		NewPolicy,
	),
)
