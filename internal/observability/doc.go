// Package observability provides logging, metrics, and tracing
// functionality for the enforcer.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("check completed",
//	    observability.String("decision", "allow"),
//	    observability.Int("code", 0),
//	)
//
// Loggers returned by NewLogger implement LevelSetter so the level can be
// changed on configuration reload.
//
// # Metrics
//
// Metrics owns a private Prometheus registry. Package-level registries
// (JWT, fallback) are attached with AddGatherer and served together by
// Handler.
//
// # Tracing
//
// NewTracer configures an OTLP gRPC exporter when enabled; otherwise spans
// go to the global provider.
package observability
