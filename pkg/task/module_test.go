package task

import (
	"testing"

	"certificate-pipeline/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestQueuesPrioritizePipeline(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pipeline.Queue = "certificates"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DB = 2

	q := Queues(cfg)
	require.Equal(t, 6, q["certificates"])
	require.Greater(t, q["certificates"], q["default"])
	require.Greater(t, q["default"], q["low"])

	opt := redisOpt(cfg)
	require.Equal(t, "localhost:6379", opt.Addr)
	require.Equal(t, 2, opt.DB)
}
