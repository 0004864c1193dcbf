package ledger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

// Migrations creates or updates the ledger tables on start.
var Migrations = fx.Module("ledger.migrations",
	fx.Invoke(Migrate),
)

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("[Ledger] failed to migrate tables", zap.Error(err))
		return err
	}
	zap.L().Info("[Ledger] tables migrated")
	return nil
}
