package poller

import (
	"context"
	"time"

	"certificate-pipeline/pkg/config"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	poller   *Poller
	cron     *cron.Cron
	schedule string
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw("[Scheduler] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw("[Scheduler] "+msg, append(keysAndValues, "error", err)...)
}

func NewScheduler(cfg *config.Config, p *Poller) (*Scheduler, error) {
	logger := cronLogger{log: zap.S()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &Scheduler{poller: p, cron: c, schedule: cfg.Poller.Schedule}
	if _, err := c.AddFunc(s.schedule, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	zap.L().Info("[Scheduler] running reconciliation sweep")
	if _, err := s.poller.Sweep(context.Background()); err != nil {
		zap.L().Error("[Scheduler] reconciliation sweep failed", zap.Error(err))
	}
}

// StartScheduler ties the cron loop to the fx lifecycle. Stop waits for a
// running sweep to finish or for the shutdown deadline.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.cron.Start()
			zap.L().Info("[Scheduler] started reconciliation poller", zap.String("schedule", s.schedule))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			done := s.cron.Stop()
			select {
			case <-done.Done():
				zap.L().Info("[Scheduler] stopped")
			case <-ctx.Done():
				zap.L().Warn("[Scheduler] stop deadline reached with a sweep in flight")
			}
			return nil
		},
	})
}
