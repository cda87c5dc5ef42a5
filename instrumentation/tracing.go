package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never put actual sensitive values (CSRF tokens, session
// ids, passwords) into traces or metrics. Only record metadata such as
// decision outcomes, scopes, and validation failure reasons. Traces are
// persisted, widely accessible, and replicated across monitoring
// infrastructure.
const (
	// Gateway attributes
	AttrScope      = "guard.scope"       // Rate limit scope name
	AttrIdentifier = "guard.identifier"  // Client identifier (IP or user id)
	AttrDecision   = "guard.decision"    // allow / deny
	AttrDenyReason = "guard.deny_reason" // rate_limit / csrf

	// Rate limiting attributes
	AttrRateRemaining = "guard.ratelimit.remaining"
	AttrRateRetryMs   = "guard.ratelimit.retry_after_ms"

	// CSRF attributes - metadata only, never the token value
	AttrCSRFResult       = "guard.csrf.result"
	AttrCSRFReason       = "guard.csrf.reason"
	AttrCSRFShouldRotate = "guard.csrf.should_rotate"

	// Audit attributes
	AttrAuditCategory = "guard.audit.category"
	AttrAuditAction   = "guard.audit.action"
	AttrAuditLevel    = "guard.audit.level"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddDecisionAttributes adds the gateway's decision metadata to a span (nil-safe)
func AddDecisionAttributes(span trace.Span, scope, decision, denyReason string) {
	SetSpanAttributes(span,
		attribute.String(AttrScope, scope),
		attribute.String(AttrDecision, decision),
	)
	if denyReason != "" {
		SetSpanAttributes(span, attribute.String(AttrDenyReason, denyReason))
	}
}
