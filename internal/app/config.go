package app

import (
	"fmt"
	"os"

	"github.com/shizukutanaka/nftfence/internal/config"
	"github.com/shizukutanaka/nftfence/internal/logging"
	"go.uber.org/zap"
)

// LoadConfig loads and validates the configuration and builds the logger
// factory it describes. verbose forces debug logging.
func LoadConfig(configFile string, verbose bool) (*config.Config, *logging.LoggerFactory, error) {
	if configFile == "" {
		configFile = config.DefaultConfigPath
	}

	tempLogger, _ := zap.NewProduction()
	defer tempLogger.Sync()

	manager, err := config.NewManager(tempLogger, configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg := manager.Get()

	if verbose {
		cfg.Logging.Level = "debug"
	}

	factory, err := logging.NewLoggerFactory(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, factory, nil
}

// Init writes the default configuration unless the file exists and
// creates every directory the engine needs. It returns the directories
// created.
func Init(logger *zap.Logger, configFile string, force bool) ([]string, error) {
	if configFile == "" {
		configFile = config.DefaultConfigPath
	}

	_, statErr := os.Stat(configFile)
	exists := statErr == nil

	manager, err := config.NewManager(logger, configFile)
	if err != nil {
		return nil, err
	}
	if !exists || force {
		if err := manager.Save(); err != nil {
			return nil, err
		}
	}

	cfg := manager.Get()
	var created []string
	for _, dir := range []string{cfg.EtcDir(), cfg.VarDir(), cfg.BlacklistDir(), cfg.WhitelistDir(), cfg.PatternsDir()} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return created, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		created = append(created, dir)
	}
	return created, nil
}
