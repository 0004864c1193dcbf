package completion

import "go.uber.org/fx"

var Module = fx.Module("completion.source",
	fx.Provide(NewSource),
)
