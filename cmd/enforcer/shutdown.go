package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// startConfigWatcher reloads the log level on configuration changes. Other
// settings take effect on restart.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.EnforcerConfig) {
		applyReload(app, newCfg, logger)
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}

func applyReload(app *application, newCfg *config.EnforcerConfig, logger observability.Logger) {
	if newCfg.Logging.Level == app.config.Logging.Level {
		logger.Info("configuration changed; restart to apply")
		return
	}

	setter, ok := logger.(observability.LevelSetter)
	if !ok {
		return
	}
	if err := setter.SetLevel(newCfg.Logging.Level); err != nil {
		logger.Error("failed to update log level", observability.Error(err))
		return
	}
	logger.Info("log level updated",
		observability.String("from", app.config.Logging.Level),
		observability.String("to", newCfg.Logging.Level),
	)
	app.config.Logging.Level = newCfg.Logging.Level
}

// waitForShutdown blocks until SIGINT or SIGTERM and stops the application.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.stop(ctx); err != nil {
		logger.Error("shutdown completed with errors", observability.Error(err))
		return
	}
	logger.Info("enforcer stopped")
}
