package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

// Watch reloads the config file on change and hands the decoded result to apply.
// Only settings that can change at runtime should be acted on by apply.
func Watch(v *viper.Viper, apply func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			logger.Warn("Ignoring config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		apply(cfg)
	})
	v.WatchConfig()
}

// ApplyLogLevel is a Watch callback that updates the running log level
func ApplyLogLevel(cfg *Config) {
	if cfg.LogLevel == logger.Level() {
		return
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("Ignoring invalid log level", zap.String("log_level", cfg.LogLevel))
		return
	}
	logger.Info("Log level changed", zap.String("log_level", cfg.LogLevel))
}
