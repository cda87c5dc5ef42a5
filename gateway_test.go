package guard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketledger/guard/audit"
	"github.com/pocketledger/guard/csrf"
	"github.com/pocketledger/guard/internal/testutil"
	"github.com/pocketledger/guard/ratelimit"
)

func newTestGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeRejection(t *testing.T, rec *httptest.ResponseRecorder) rejection {
	t.Helper()
	var rej rejection
	if err := json.NewDecoder(rec.Body).Decode(&rej); err != nil {
		t.Fatalf("Failed to decode rejection body: %v", err)
	}
	return rej
}

func TestNew_InvalidScopeConfig(t *testing.T) {
	_, err := New(Config{Scopes: map[string]ratelimit.Config{
		"api": {MaxRequests: -1, Window: time.Minute},
	}})
	if err == nil {
		t.Fatal("New() expected error for invalid scope config, got nil")
	}
	if !strings.Contains(err.Error(), "api") {
		t.Errorf("New() error = %q, want it to name the scope", err)
	}
}

func TestMiddleware_AllowsWithinLimit(t *testing.T) {
	g := newTestGateway(t, Config{Scopes: map[string]ratelimit.Config{
		"api": {MaxRequests: 5, Window: time.Minute},
	}})
	handler := g.Middleware("api")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/budgets", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, want %q", got, "4")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset header not set")
	}
}

func TestMiddleware_RateLimitDenial(t *testing.T) {
	g := newTestGateway(t, Config{Scopes: map[string]ratelimit.Config{
		"api": {MaxRequests: 2, Window: time.Minute},
	}})
	handler := g.Middleware("api")(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/budgets", nil)
		req.RemoteAddr = "203.0.113.1:1234"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set on 429")
	}
	if rej := decodeRejection(t, rec); rej.Code != ErrorCodeRateLimitExceeded {
		t.Errorf("Rejection code = %q, want %q", rej.Code, ErrorCodeRateLimitExceeded)
	}

	events := g.Auditor().Query(audit.Filter{Category: audit.CategoryViolation})
	if len(events) != 1 {
		t.Fatalf("Expected 1 violation event, got %d", len(events))
	}
	if events[0].Action != audit.ActionRateLimitExceeded {
		t.Errorf("Event action = %q, want %q", events[0].Action, audit.ActionRateLimitExceeded)
	}
	if events[0].IPAddress != "203.0.113.1" {
		t.Errorf("Event IP = %q, want %q", events[0].IPAddress, "203.0.113.1")
	}
}

func TestMiddleware_IndependentClients(t *testing.T) {
	g := newTestGateway(t, Config{Scopes: map[string]ratelimit.Config{
		"api": {MaxRequests: 1, Window: time.Minute},
	}})
	handler := g.Middleware("api")(okHandler())

	for _, addr := range []string{"203.0.113.1:1", "203.0.113.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/budgets", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("Client %s: status = %d, want %d", addr, rec.Code, http.StatusOK)
		}
	}
}

func TestMiddleware_UnknownScopePassesThrough(t *testing.T) {
	g := newTestGateway(t, Config{Scopes: map[string]ratelimit.Config{
		"api": {MaxRequests: 1, Window: time.Minute},
	}})
	handler := g.Middleware("unconfigured")(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.1:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("Request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}

func TestMiddleware_CSRFRequiredForStateChangingMethods(t *testing.T) {
	g := newTestGateway(t, Config{})
	handler := g.Middleware("api")(okHandler())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/expenses", nil)
			req.RemoteAddr = "203.0.113.1:1"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusForbidden {
				t.Fatalf("Status = %d, want %d", rec.Code, http.StatusForbidden)
			}
			rej := decodeRejection(t, rec)
			if rej.Code != ErrorCodeCSRFFailed {
				t.Errorf("Rejection code = %q, want %q", rej.Code, ErrorCodeCSRFFailed)
			}
		})
	}
}

func TestMiddleware_SafeMethodsSkipCSRF(t *testing.T) {
	g := newTestGateway(t, Config{})
	handler := g.Middleware("api")(okHandler())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		req := httptest.NewRequest(method, "/budgets", nil)
		req.RemoteAddr = "203.0.113.1:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", method, rec.Code, http.StatusOK)
		}
	}
}

func TestMiddleware_ValidCSRFToken(t *testing.T) {
	g := newTestGateway(t, Config{})
	handler := g.Middleware("api")(okHandler())

	issueRec := httptest.NewRecorder()
	tok, err := g.IssueCSRFToken(issueRec, "sess-1")
	if err != nil {
		t.Fatalf("IssueCSRFToken() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/expenses", nil)
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", tok.Value)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestMiddleware_CSRFFailureNeverEchoesToken(t *testing.T) {
	g := newTestGateway(t, Config{})
	handler := g.Middleware("api")(okHandler())

	const submitted = "attacker-supplied-token-value"
	req := httptest.NewRequest(http.MethodPost, "/expenses", nil)
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", submitted)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if strings.Contains(rec.Body.String(), submitted) {
		t.Error("Rejection body echoes the submitted token")
	}

	events := g.Auditor().Query(audit.Filter{Category: audit.CategoryViolation})
	if len(events) != 1 {
		t.Fatalf("Expected 1 violation event, got %d", len(events))
	}
	if events[0].Action != audit.ActionCSRFValidationFailed {
		t.Errorf("Event action = %q, want %q", events[0].Action, audit.ActionCSRFValidationFailed)
	}
}

func TestMiddleware_CSRFTokenFromForm(t *testing.T) {
	g := newTestGateway(t, Config{})
	handler := g.Middleware("api")(okHandler())

	issueRec := httptest.NewRecorder()
	tok, err := g.IssueCSRFToken(issueRec, "sess-1")
	if err != nil {
		t.Fatalf("IssueCSRFToken() failed: %v", err)
	}

	form := "csrf_token=" + tok.Value + "&amount=12.50"
	req := httptest.NewRequest(http.MethodPost, "/expenses", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestMiddleware_RotationReissuesCookie(t *testing.T) {
	mt := testutil.NewMockTime(time.Now())
	g := newTestGateway(t, Config{
		CSRF: csrf.Config{Expiry: time.Hour, Now: mt.Now},
	})
	handler := g.Middleware("api")(okHandler())

	issueRec := httptest.NewRecorder()
	tok, err := g.IssueCSRFToken(issueRec, "sess-1")
	if err != nil {
		t.Fatalf("IssueCSRFToken() failed: %v", err)
	}

	// Past 75% of the token lifetime a successful validation triggers
	// rotation and the middleware reissues the cookie.
	mt.Advance(50 * time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/expenses", nil)
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", tok.Value)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var rotated *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "csrf_token" {
			rotated = c
		}
	}
	if rotated == nil {
		t.Fatal("Expected a rotated csrf_token cookie on the response")
	}
	if rotated.Value == tok.Value {
		t.Error("Rotated cookie still carries the old token value")
	}

	// The old token remains valid for the grace period only.
	mt.Advance(31 * time.Second)
	req = httptest.NewRequest(http.MethodPost, "/expenses", nil)
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", tok.Value)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Old token after grace period: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	// The rotated token works.
	req = httptest.NewRequest(http.MethodPost, "/expenses", nil)
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", rotated.Value)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Rotated token: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestIssueCSRFToken_CookieAttributes(t *testing.T) {
	g := newTestGateway(t, Config{})

	rec := httptest.NewRecorder()
	if _, err := g.IssueCSRFToken(rec, "sess-1"); err != nil {
		t.Fatalf("IssueCSRFToken() failed: %v", err)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != "csrf_token" {
		t.Errorf("Cookie name = %q, want %q", c.Name, "csrf_token")
	}
	if !c.HttpOnly {
		t.Error("Cookie should be HttpOnly")
	}
	if !c.Secure {
		t.Error("Cookie should be Secure by default")
	}
	if c.SameSite != http.SameSiteStrictMode {
		t.Errorf("Cookie SameSite = %v, want Strict", c.SameSite)
	}
}

func TestRevokeSession(t *testing.T) {
	g := newTestGateway(t, Config{})
	handler := g.Middleware("api")(okHandler())

	issueRec := httptest.NewRecorder()
	tok, err := g.IssueCSRFToken(issueRec, "sess-1")
	if err != nil {
		t.Fatalf("IssueCSRFToken() failed: %v", err)
	}

	g.RevokeSession("sess-1")

	req := httptest.NewRequest(http.MethodPost, "/expenses", nil)
	req.RemoteAddr = "203.0.113.1:1"
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", tok.Value)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Status after revocation = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestMiddleware_TrustProxyUsesForwardedIP(t *testing.T) {
	g := newTestGateway(t, Config{
		Scopes: map[string]ratelimit.Config{
			"api": {MaxRequests: 1, Window: time.Minute},
		},
		TrustProxy:        true,
		TrustedProxyCount: 1,
	})
	handler := g.Middleware("api")(okHandler())

	// Two clients behind the same proxy get independent budgets.
	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodGet, "/budgets", nil)
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("Client %s: status = %d, want %d", client, rec.Code, http.StatusOK)
		}
	}
}

func TestGateway_Accessors(t *testing.T) {
	g := newTestGateway(t, Config{Scopes: map[string]ratelimit.Config{
		"api": {MaxRequests: 10, Window: time.Minute},
	}})

	if g.RateLimiter("api") == nil {
		t.Error("RateLimiter(api) returned nil")
	}
	if g.RateLimiter("missing") != nil {
		t.Error("RateLimiter(missing) should return nil")
	}
	if g.CSRF() == nil {
		t.Error("CSRF() returned nil")
	}
	if g.Auditor() == nil {
		t.Error("Auditor() returned nil")
	}
}

func TestClose_Idempotent(t *testing.T) {
	g, err := New(Config{Scopes: DefaultScopes()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	g.Close()
	g.Close()
}
