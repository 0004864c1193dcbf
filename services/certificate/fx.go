package certificate

import (
	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/minio"

	"go.uber.org/fx"
)

var Module = fx.Module("certificate.generator",
	fx.Provide(
		NewRenderer,
		provideConverter,
		provideStore,
		NewGenerator,
	),
)

func provideConverter(cfg *config.Config) Converter {
	r := cfg.Render
	return NewChain(r.ConvertTimeout, r.MaxConcurrent,
		NewChromeConverter(r.ChromePath),
		NewAPIConverter(r.PdfApiURL, r.PdfApiTokens),
	)
}

func provideStore(s *minio.Store) ArtifactStore {
	return s
}
