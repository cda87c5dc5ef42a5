package guard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketledger/guard/audit"
	"github.com/pocketledger/guard/csrf"
	"github.com/pocketledger/guard/instrumentation"
	"github.com/pocketledger/guard/ratelimit"
)

// Config holds the gateway configuration.
// Structured using composition: each component keeps its own config type.
type Config struct {
	// Scopes maps a scope name ("api", "auth", "public") to its rate limit
	// policy. One Limiter is constructed per scope. An empty map disables
	// rate limiting.
	Scopes map[string]ratelimit.Config

	// CSRF configures the token manager.
	CSRF csrf.Config

	// Audit configures the audit logger.
	Audit audit.Config

	// SessionCookie is the name of the session cookie used to correlate
	// CSRF tokens. Default: "session_id".
	SessionCookie string

	// CSRFHeader is the request header carrying the CSRF token.
	// Default: "X-CSRF-Token".
	CSRFHeader string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, used with TrustProxy to extract the client IP. Default: 1.
	TrustedProxyCount int

	// Instrumentation enables OpenTelemetry metrics and tracing (optional).
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses slog.Default() if not provided)
	Logger *slog.Logger
}

// validate rejects fatal gateway misconfiguration. Component configs are
// validated by their own constructors.
func (c *Config) validate() error {
	for scope, rl := range c.Scopes {
		if scope == "" {
			return fmt.Errorf("guard: scope name must not be empty")
		}
		// Surface the scope name in the error; the limiter constructor
		// would reject the config anyway but without that context.
		if rl.MaxRequests <= 0 {
			return fmt.Errorf("guard: scope %q: MaxRequests must be positive, got %d", scope, rl.MaxRequests)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("guard: scope %q: Window must be positive, got %v", scope, rl.Window)
		}
	}
	if c.TrustedProxyCount < 0 {
		return fmt.Errorf("guard: TrustedProxyCount must not be negative, got %d", c.TrustedProxyCount)
	}
	return nil
}

// applyDefaults fills zero-value gateway settings.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SessionCookie == "" {
		c.SessionCookie = "session_id"
	}
	if c.CSRFHeader == "" {
		c.CSRFHeader = "X-CSRF-Token"
	}
	if c.TrustedProxyCount == 0 {
		c.TrustedProxyCount = 1
	}
}

// DefaultScopes returns the scope policies the budget application ships
// with: a general API budget, a tight authentication budget, and a public
// (unauthenticated pages) budget.
func DefaultScopes() map[string]ratelimit.Config {
	return map[string]ratelimit.Config{
		"api":    {MaxRequests: 100, Window: time.Minute, KeyPrefix: "api"},
		"auth":   {MaxRequests: 5, Window: 15 * time.Minute, KeyPrefix: "auth"},
		"public": {MaxRequests: 60, Window: time.Minute, KeyPrefix: "public"},
	}
}
