package gen

import (
	"certificate-pipeline/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake", fx.Provide(NewNode))

// NewNode creates the id generator for this process. Replicas writing to the
// same database need distinct WORKER.NODE_ID values.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Worker.NodeID)
	if err != nil {
		zap.L().Error("[Snowflake] failed to init node", zap.Int64("node_id", cfg.Worker.NodeID), zap.Error(err))
		return nil, err
	}
	return node, nil
}
