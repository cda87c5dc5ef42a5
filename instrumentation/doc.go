// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the guard library.
//
// It exposes counters for every security decision the library makes (rate
// limit checks and denials, CSRF validations and failures, audit events and
// drops) plus tracing helpers the gateway uses to wrap guarded requests in
// spans.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "budget-api",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	gw, err := guard.New(guard.Config{Instrumentation: inst, ...})
//
// When Enabled is false (the default zero value), no-op providers are used
// and instrumentation has zero overhead.
package instrumentation
