// Package health implements grpc.health.v1.Health for the enforcer.
//
// The overall status ("") follows a readiness source: it reports
// NOT_SERVING until the subscription data has been synchronized and
// SERVING afterwards. Shutdown pins every service to NOT_SERVING.
//
//	hs := health.NewHealthServer(
//	    health.WithHealthLogger(logger),
//	    health.WithReadiness(readiness, health.ServiceAuthorization),
//	)
//	healthpb.RegisterHealthServer(grpcServer, hs)
package health
