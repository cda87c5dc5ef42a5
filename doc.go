// Package guard is the request-guarding security control plane for the
// Pocketledger budget application: an in-process sliding-window rate
// limiter, a CSRF token lifecycle manager, and an audit logger with PII
// redaction and bounded retention, composed behind a single Gateway.
//
// The three components are independent; none depends on another. The
// Gateway orchestrates them per request: it consults the rate limiter,
// validates (and rotates) CSRF tokens on state-changing requests, and
// emits audit events for denials. Each component can equally be used on
// its own.
//
// All state is in-process memory; nothing is persisted. A deployment
// behind multiple instances needs the rate-limit and CSRF state in a
// shared store to keep the sliding-window and single-token guarantees;
// the audit/valkey sink covers the audit trail for that topology today.
//
//	gw, err := guard.New(guard.Config{
//		Scopes: map[string]ratelimit.Config{
//			"api":  {MaxRequests: 100, Window: time.Minute},
//			"auth": {MaxRequests: 5, Window: time.Minute},
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gw.Close()
//
//	mux.Handle("/api/", gw.Middleware("api")(apiHandler))
package guard
