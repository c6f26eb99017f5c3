// Package health serves the HTTP liveness, readiness and health probes of
// the enforcer admin listener.
//
// Readiness runs only the checks marked critical, health runs all of them.
// Both answer 503 when any check they run fails:
//
//	h := health.NewHandler(logger)
//	h.AddCheck(health.ReadinessCheck("discovery", readiness))
//	h.AddCheck(health.RedisCheck("events", listener, health.WithCritical(false)))
//	h.RegisterRoutes(engine)
package health
