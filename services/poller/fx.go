package poller

import "go.uber.org/fx"

var Module = fx.Module("poller",
	fx.Provide(New, NewScheduler),
	fx.Invoke(RegisterHandlers, StartScheduler),
)
