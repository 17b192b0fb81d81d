package main

import (
	"log/slog"
	"strings"

	"github.com/yndnr/memscope-go/internal/infra/confloader"
	"github.com/yndnr/memscope-go/internal/server/config"
	"github.com/yndnr/memscope-go/internal/telemetry/logger"
)

// watchConfig reloads path on change and applies the settings that can
// change at runtime. Today that is the log level; everything else needs a
// restart and is only reported.
func watchConfig(path string, overrides map[string]any, log *slog.Logger) (func() error, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return nil, err
	}

	w.OnChange(func(string) {
		cfg, err := config.Load(path, overrides)
		if err != nil {
			log.Warn("config reload rejected", "path", path, "error", err)
			return
		}
		if !strings.EqualFold(cfg.Log.Level, logger.GetLevel()) {
			logger.SetLevel(cfg.Log.Level)
			log.Info("log level changed", "level", cfg.Log.Level)
		}
	})
	w.StartAsync()
	return w.Stop, nil
}
