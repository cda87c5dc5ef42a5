package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pocketledger/guard/audit"
	"github.com/pocketledger/guard/csrf"
	"github.com/pocketledger/guard/instrumentation"
	"github.com/pocketledger/guard/ratelimit"
)

// Gateway composes the rate limiter, CSRF token manager, and audit logger
// into a single request-guarding surface. The components never reference
// one another; the gateway correlates them by passing the same identifier
// and session id strings.
type Gateway struct {
	limiters map[string]*ratelimit.Limiter
	csrf     *csrf.Manager
	auditor  *audit.Logger

	sessionCookie     string
	csrfHeader        string
	trustProxy        bool
	trustedProxyCount int

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a gateway and its three components. Fatal misconfiguration
// in any component config fails here, before any traffic is served.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	limiters := make(map[string]*ratelimit.Limiter, len(cfg.Scopes))
	for scope, rlCfg := range cfg.Scopes {
		if rlCfg.KeyPrefix == "" {
			rlCfg.KeyPrefix = scope
		}
		if rlCfg.Logger == nil {
			rlCfg.Logger = cfg.Logger
		}
		limiter, err := ratelimit.New(rlCfg)
		if err != nil {
			return nil, fmt.Errorf("guard: scope %q: %w", scope, err)
		}
		limiters[scope] = limiter
	}

	if cfg.CSRF.Logger == nil {
		cfg.CSRF.Logger = cfg.Logger
	}
	csrfManager, err := csrf.NewManager(cfg.CSRF)
	if err != nil {
		stopAll(limiters)
		return nil, err
	}

	if cfg.Audit.Logger == nil {
		cfg.Audit.Logger = cfg.Logger
	}
	auditor, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		stopAll(limiters)
		csrfManager.Stop()
		return nil, err
	}

	g := &Gateway{
		limiters:          limiters,
		csrf:              csrfManager,
		auditor:           auditor,
		sessionCookie:     cfg.SessionCookie,
		csrfHeader:        cfg.CSRFHeader,
		trustProxy:        cfg.TrustProxy,
		trustedProxyCount: cfg.TrustedProxyCount,
		inst:              cfg.Instrumentation,
		logger:            cfg.Logger,
	}

	if g.inst != nil {
		g.tracer = g.inst.Tracer("gateway")
		if err := g.inst.RegisterSizeCallbacks(
			func() int64 { return g.rateLimitEntries() },
			func() int64 { return int64(csrfManager.GetStats().ActiveSessions) },
			func() int64 { return int64(auditor.GetStats().TotalEvents) },
		); err != nil {
			g.logger.Warn("Failed to register state size metrics", "error", err)
		}
	}

	return g, nil
}

func stopAll(limiters map[string]*ratelimit.Limiter) {
	for _, l := range limiters {
		l.Stop()
	}
}

func (g *Gateway) rateLimitEntries() int64 {
	var total int64
	for _, l := range g.limiters {
		total += int64(l.GetStats().CurrentEntries)
	}
	return total
}

// Close stops all background maintenance goroutines and flushes the audit
// sinks. Safe to call multiple times.
func (g *Gateway) Close() {
	stopAll(g.limiters)
	g.csrf.Stop()
	g.auditor.Close()
}

// RateLimiter returns the limiter for a scope, or nil if the scope is not
// configured.
func (g *Gateway) RateLimiter(scope string) *ratelimit.Limiter {
	return g.limiters[scope]
}

// CSRF returns the token manager.
func (g *Gateway) CSRF() *csrf.Manager { return g.csrf }

// Auditor returns the audit logger.
func (g *Gateway) Auditor() *audit.Logger { return g.auditor }

// isStateChanging reports whether the request method mutates state and
// therefore requires CSRF validation.
func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware guards an http.Handler with the named rate limit scope and,
// for state-changing methods, CSRF validation. Denials become 429 (with a
// Retry-After header) or 403 responses; allowed requests pass through with
// X-RateLimit headers set.
func (g *Gateway) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ip := clientIP(r, g.trustProxy, g.trustedProxyCount)

			var span trace.Span
			if g.tracer != nil {
				ctx := r.Context()
				ctx, span = g.tracer.Start(ctx, "guard.check",
					trace.WithAttributes(attribute.String(instrumentation.AttrScope, scope)))
				defer span.End()
				r = r.WithContext(ctx)
			}
			g.recordGuarded(r, scope)

			if !g.checkRateLimit(w, r, scope, ip, span) {
				g.recordDuration(r, start)
				return
			}

			if isStateChanging(r.Method) && !g.checkCSRF(w, r, ip, span) {
				g.recordDuration(r, start)
				return
			}

			instrumentation.SetSpanSuccess(span)
			g.recordDuration(r, start)
			next.ServeHTTP(w, r)
		})
	}
}

// checkRateLimit consults the scope's limiter. Returns false when the
// request was rejected (response already written).
func (g *Gateway) checkRateLimit(w http.ResponseWriter, r *http.Request, scope, ip string, span trace.Span) bool {
	limiter, ok := g.limiters[scope]
	if !ok {
		return true
	}

	res := limiter.Check(ip)
	if g.inst != nil {
		g.inst.Metrics().RateLimitChecks.Add(r.Context(), 1)
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

	if res.Allowed {
		return true
	}

	retryAfterSec := int(res.RetryAfter/time.Second) + 1
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))

	g.logger.Warn("Rate limit exceeded", "scope", scope, "ip", ip, "retry_after", res.RetryAfter)
	if g.inst != nil {
		g.inst.Metrics().RateLimitDenied.Add(r.Context(), 1)
		g.inst.Metrics().RequestsRejected.Add(r.Context(), 1)
	}
	instrumentation.AddDecisionAttributes(span, scope, "deny", "rate_limit")

	if g.inst != nil {
		g.inst.Metrics().AuditEventsTotal.Add(r.Context(), 1)
	}
	g.auditor.LogViolation(audit.ActionRateLimitExceeded, audit.Entry{
		Level:     audit.LevelWarn,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
		Resource:  r.URL.Path,
		Data: map[string]any{
			"scope":          scope,
			"total_requests": res.TotalRequests,
			"retry_after_ms": res.RetryAfter.Milliseconds(),
		},
	})

	writeRejection(w, ErrorCodeRateLimitExceeded,
		"Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return false
}

// checkCSRF validates the request's CSRF token against its session.
// Returns false when the request was rejected (response already written).
func (g *Gateway) checkCSRF(w http.ResponseWriter, r *http.Request, ip string, span trace.Span) bool {
	sessionID := g.sessionID(r)
	provided := r.Header.Get(g.csrfHeader)
	if provided == "" {
		provided = r.PostFormValue("csrf_token")
	}

	res := g.csrf.Validate(sessionID, provided)
	if g.inst != nil {
		g.inst.Metrics().CSRFValidations.Add(r.Context(), 1)
	}

	if !res.Valid {
		g.logger.Warn("CSRF validation failed", "ip", ip, "reason", res.Reason, "path", r.URL.Path)
		if g.inst != nil {
			g.inst.Metrics().CSRFFailures.Add(r.Context(), 1)
			g.inst.Metrics().RequestsRejected.Add(r.Context(), 1)
		}
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrCSRFResult, "invalid"),
			attribute.String(instrumentation.AttrCSRFReason, res.Reason))

		if g.inst != nil {
			g.inst.Metrics().AuditEventsTotal.Add(r.Context(), 1)
		}
		g.auditor.LogViolation(audit.ActionCSRFValidationFailed, audit.Entry{
			SessionID: sessionID,
			IPAddress: ip,
			UserAgent: r.UserAgent(),
			Resource:  r.URL.Path,
			Data:      map[string]any{"reason": res.Reason},
		})

		// Generic message: the submitted token is never echoed back
		writeRejection(w, ErrorCodeCSRFFailed,
			"Request validation failed.", http.StatusForbidden)
		return false
	}

	if res.ShouldRotate {
		if tok, err := g.csrf.Rotate(sessionID); err == nil {
			g.setCSRFCookie(w, tok)
			if g.inst != nil {
				g.inst.Metrics().CSRFRotations.Add(r.Context(), 1)
			}
		}
	}
	return true
}

// IssueCSRFToken generates a token for the session and sets its cookie.
// Called by the application after session establishment (login).
func (g *Gateway) IssueCSRFToken(w http.ResponseWriter, sessionID string) (csrf.Token, error) {
	tok, err := g.csrf.Generate(sessionID)
	if err != nil {
		return csrf.Token{}, err
	}
	g.setCSRFCookie(w, tok)
	if g.inst != nil {
		g.inst.Metrics().CSRFTokensIssued.Add(context.Background(), 1)
	}
	return tok, nil
}

// RevokeSession drops the session's CSRF token. Called on logout.
func (g *Gateway) RevokeSession(sessionID string) {
	g.csrf.Remove(sessionID)
}

func (g *Gateway) setCSRFCookie(w http.ResponseWriter, tok csrf.Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     tok.Cookie.Name,
		Value:    tok.Value,
		Path:     tok.Cookie.Path,
		MaxAge:   tok.Cookie.MaxAge,
		HttpOnly: tok.Cookie.HTTPOnly,
		Secure:   tok.Cookie.Secure,
		SameSite: tok.Cookie.SameSite,
	})
}

// sessionID extracts the session identifier from the session cookie.
func (g *Gateway) sessionID(r *http.Request) string {
	c, err := r.Cookie(g.sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// recordGuarded increments the guarded-request counter
func (g *Gateway) recordGuarded(r *http.Request, scope string) {
	if g.inst != nil {
		g.inst.Metrics().RequestsGuarded.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String(instrumentation.AttrScope, scope)))
	}
}

// recordDuration records the security-check latency
func (g *Gateway) recordDuration(r *http.Request, start time.Time) {
	if g.inst != nil {
		g.inst.Metrics().GuardDuration.Record(r.Context(),
			float64(time.Since(start).Microseconds())/1000.0)
	}
}
