package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
)

// Watch reloads cfg whenever its file changes and passes each valid result
// to fn. Invalid configurations are logged and skipped. It returns when ctx
// ends, or immediately when cfg was not read from a file.
func Watch(ctx context.Context, cfg *Config, logger *zap.Logger, fn func(*Config)) error {
	if cfg.File == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Fatal(errors.PhaseConfig, "watch "+cfg.File, err)
	}
	defer w.Close()

	target, err := filepath.Abs(cfg.File)
	if err != nil {
		return errors.Fatal(errors.PhaseConfig, "watch "+cfg.File, err)
	}
	// editors replace files by rename, which drops a watch on the file itself
	if err := w.Add(filepath.Dir(target)); err != nil {
		return errors.Fatal(errors.PhaseConfig, "watch "+cfg.File, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			next, err := cfg.Reload()
			if err != nil {
				logger.Warn("config reload rejected", zap.String("file", cfg.File), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("file", cfg.File))
			fn(next)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", zap.Error(err))
		}
	}
}
