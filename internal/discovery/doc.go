// Package discovery keeps the subscription store in sync with the control
// plane.
//
// One Watcher per entity kind holds an aggregated discovery (ADS) stream.
// Every response is a full snapshot of that kind: it replaces the kind in
// the store and is acknowledged, or it is rejected with a NACK and the
// previous generation stays. Readiness reports when every watcher has
// applied its first snapshot.
//
// EventListener consumes point change events from a Redis channel and
// applies them as deltas.
package discovery
