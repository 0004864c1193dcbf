package poller

import (
	"context"
	"testing"

	"certificate-pipeline/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := &config.Config{}
	cfg.Poller.Schedule = "every now and then"

	_, err := NewScheduler(cfg, &Poller{})
	require.Error(t, err)
}

func TestSchedulerLifecycle(t *testing.T) {
	f := setup(t)
	cfg := &config.Config{}
	cfg.Poller.Schedule = "@every 15m"

	s, err := NewScheduler(cfg, f.poller)
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 1)

	lc := fxtest.NewLifecycle(t)
	StartScheduler(lc, s)
	require.NoError(t, lc.Start(context.Background()))
	require.NoError(t, lc.Stop(context.Background()))
}

func TestSchedulerRunOnceSweeps(t *testing.T) {
	f := setup(t)
	f.seed(t, "e1", "ana@acme.test")
	f.source.completed["ana@acme.test"] = true

	cfg := &config.Config{}
	cfg.Poller.Schedule = "@every 15m"
	s, err := NewScheduler(cfg, f.poller)
	require.NoError(t, err)

	s.runOnce()
	require.Len(t, f.dispatcher.jobs, 1)
	require.Equal(t, 1, f.resumer.calls)
}
