package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory provides centralized logger creation
type LoggerFactory struct {
	config     *LogConfig
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// LogConfig contains logging configuration
type LogConfig struct {
	// stdout, stderr or a file path rotated by lumberjack
	OutputPath string `yaml:"output_path"`

	Level        string            `yaml:"level"`
	ModuleLevels map[string]string `yaml:"module_levels"`

	Encoding string `yaml:"encoding"` // json or console

	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	DisableCaller     bool `yaml:"disable_caller"`
	DisableStacktrace bool `yaml:"disable_stacktrace"`
	Sampling          bool `yaml:"sampling"`
	IncludeHost       bool `yaml:"include_host"`
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config *LogConfig) (*LoggerFactory, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	if isFileOutput(config.OutputPath) {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	core := buildCore(config, level)
	rootLogger := zap.New(core, buildOptions(config)...)

	factory := &LoggerFactory{
		config:     config,
		rootLogger: rootLogger,
		loggers:    make(map[string]*zap.Logger),
	}

	zap.ReplaceGlobals(rootLogger)

	return factory, nil
}

// Root returns the unnamed root logger
func (f *LoggerFactory) Root() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	// Double-check after acquiring write lock
	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)

	if levelStr, hasLevel := f.config.ModuleLevels[module]; hasLevel {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := buildCore(f.config, level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// Sync flushes all loggers
func (f *LoggerFactory) Sync() error {
	var firstErr error

	if err := f.rootLogger.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}

	f.loggersMu.RLock()
	defer f.loggersMu.RUnlock()

	for _, logger := range f.loggers {
		if err := logger.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func isFileOutput(path string) bool {
	return path != "" && path != "stdout" && path != "stderr"
}

func buildEncoderConfig(config *LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	return encoderConfig
}

func buildCore(config *LogConfig, level zapcore.Level) zapcore.Core {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	switch config.OutputPath {
	case "", "stderr":
		writer = zapcore.Lock(os.Stderr)
	case "stdout":
		writer = zapcore.Lock(os.Stdout)
	default:
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
	}

	core := zapcore.NewCore(encoder, writer, level)

	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	return core
}

func buildOptions(config *LogConfig) []zap.Option {
	options := []zap.Option{}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}

	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	if config.IncludeHost {
		if hostname, err := os.Hostname(); err == nil {
			options = append(options, zap.Fields(zap.String("host", hostname)))
		}
	}

	return options
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		OutputPath:        "stderr",
		Level:             "info",
		ModuleLevels:      make(map[string]string),
		Encoding:          "console",
		MaxSizeMB:         20,
		MaxBackups:        5,
		MaxAgeDays:        30,
		Compress:          true,
		DisableCaller:     true,
		DisableStacktrace: true,
		Sampling:          false,
		IncludeHost:       false,
	}
}

// Helper functions for common logging patterns

// WithCommand adds scheduler command context
func WithCommand(logger *zap.Logger, command string, runID string) *zap.Logger {
	return logger.With(
		zap.String("command", command),
		zap.String("run_id", runID),
	)
}

// WithAddress adds the offending address
func WithAddress(logger *zap.Logger, address string) *zap.Logger {
	return logger.With(zap.String("address", address))
}

// WithFile adds a log file path
func WithFile(logger *zap.Logger, file string) *zap.Logger {
	return logger.With(zap.String("file", file))
}

// LogIf logs only if error is not nil
func LogIf(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err != nil {
		logger.Error(msg, append(fields, zap.Error(err))...)
	}
}
