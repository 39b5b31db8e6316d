package app

import (
	"github.com/shizukutanaka/nftfence/internal/config"
	"github.com/shizukutanaka/nftfence/internal/database"
	"go.uber.org/zap"
)

// openDatabase opens the sqlite file holding both the incident and the
// position stores.
func openDatabase(cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	db, err := database.Open(logger, database.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return nil, err
	}

	logger.Debug("Database initialized", zap.String("path", cfg.DatabasePath()))
	return db, nil
}
