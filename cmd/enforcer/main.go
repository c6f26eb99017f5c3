// Package main is the entry point for the enforcer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	reflection  bool
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting enforcer",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("issuers", len(cfg.Issuers)),
		observability.Bool("discovery", cfg.Discovery.Enabled),
		observability.Bool("events", cfg.Events.Enabled),
		observability.Bool("fallback", cfg.Fallback.Enabled),
	)

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, logger, flags.reflection)
	if err != nil {
		fatalWithSync(logger, "failed to initialize enforcer", observability.Error(err))
		return
	}

	if err := app.start(ctx); err != nil {
		fatalWithSync(logger, "failed to start enforcer", observability.Error(err))
		return
	}

	watcher := startConfigWatcher(app, flags.configPath, logger)
	waitForShutdown(app, watcher, logger)
}

func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ENFORCER_CONFIG_PATH", "configs/enforcer.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ENFORCER_LOG_LEVEL", ""),
		"Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ENFORCER_LOG_FORMAT", ""),
		"Log format override (json, console)")
	reflection := flag.Bool("grpc-reflection", getEnvBool("ENFORCER_GRPC_REFLECTION", false),
		"Register the gRPC reflection service")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		reflection:  *reflection,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("enforcer version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads and validates the configuration. Flag overrides win over
// the file.
func loadConfig(flags cliFlags) (*config.EnforcerConfig, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flags)
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlagOverrides(cfg *config.EnforcerConfig, flags cliFlags) {
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
}

// fatalWithSync flushes the logger before exiting.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	logger.Error(msg, fields...)
	_ = logger.Sync()
	os.Exit(1)
}
