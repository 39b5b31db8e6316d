package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "NFTFENCE"

// Manager loads the configuration file and keeps the current copy.
// Load may be called again to pick up edits.
type Manager struct {
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex

	validator *Validator
	envLoader *EnvLoader
}

// NewManager creates a configuration manager and performs the initial load.
func NewManager(logger *zap.Logger, configPath string) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("config_manager"),
		configPath: configPath,
		validator:  NewValidator(),
		envLoader:  NewEnvLoader(EnvPrefix),
	}

	if err := m.Load(); err != nil {
		return nil, err
	}

	return m, nil
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads defaults, then the YAML file (a missing file is fine), then
// environment overrides, and validates the result.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return apperrors.ConfigurationError("failed to read config file", err)
		}
		m.logger.Debug("Config file not found, using defaults", zap.String("path", m.configPath))
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return apperrors.ConfigurationError("failed to parse YAML config", err)
		}
	}

	if err := m.envLoader.Load(cfg); err != nil {
		return apperrors.ConfigurationError("failed to load config from environment", err)
	}

	if err := m.validator.Validate(cfg); err != nil {
		return apperrors.ConfigurationError("configuration validation failed", err)
	}

	m.configMu.Lock()
	m.config = cfg
	m.configMu.Unlock()

	m.logger.Debug("Configuration loaded", zap.String("path", m.configPath))
	return nil
}

// Save writes the current configuration to the file.
func (m *Manager) Save() error {
	m.configMu.RLock()
	configToSave := m.config
	m.configMu.RUnlock()

	data, err := yaml.Marshal(configToSave)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile := m.configPath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary config file: %w", err)
	}

	if err := os.Rename(tempFile, m.configPath); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	m.logger.Info("Configuration saved", zap.String("path", m.configPath))
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	cfgCopy := *m.config
	return &cfgCopy
}
