// Package admin serves the enforcer's HTTP admin listener: probes,
// Prometheus metrics, a data store summary and manual throttle control
// of metadata streams.
package admin
