// Package csrf manages per-session anti-forgery tokens: issuance, timing-safe
// validation, proactive rotation near expiry, and expiry sweeping.
package csrf

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/pocketledger/guard/internal/util"
)

const (
	// DefaultTokenLength is the length of generated tokens in characters
	DefaultTokenLength = 43 // 32 bytes base64url-encoded

	// DefaultExpiry is how long a token remains valid
	DefaultExpiry = 2 * time.Hour

	// DefaultRotationInterval is how often the background sweep runs
	DefaultRotationInterval = 5 * time.Minute

	// DefaultGracePeriod is how long the previous token remains acceptable
	// after rotation, tolerating in-flight requests issued just before the
	// new token was handed out.
	DefaultGracePeriod = 30 * time.Second

	// rotationThresholdFraction is the fraction of the expiry window below
	// which validation advises the caller to rotate (25%).
	rotationThresholdFraction = 4

	// tokenIDLogLength is the number of characters to include when logging tokens
	tokenIDLogLength = 8
)

// Validation failure reasons, reported verbatim so callers can branch on them.
const (
	ReasonNotFound      = "Token not found"
	ReasonExpired       = "Token expired"
	ReasonInvalidFormat = "Invalid token format"
	ReasonMismatch      = "Token mismatch"
)

// CookieConfig holds the recommended cookie attributes returned with each
// issued token. Defaults are secure: HttpOnly, Secure, SameSite=Strict.
type CookieConfig struct {
	// Name is the cookie name. Default: "csrf_token".
	Name string

	// Path is the cookie path. Default: "/".
	Path string

	// AllowInsecure drops the Secure attribute so the cookie is sent over
	// plain HTTP. WARNING: only for local development.
	AllowInsecure bool
}

// Config holds CSRF token manager configuration.
type Config struct {
	// TokenLength is the length of generated tokens in characters
	// (required to be positive; default 43, i.e. 32 bytes of entropy).
	TokenLength int

	// Expiry is how long an issued token remains valid. Default: 2 hours.
	Expiry time.Duration

	// RotationInterval is how often the background sweep runs. Default: 5 minutes.
	RotationInterval time.Duration

	// GracePeriod is how long the previous token remains valid after
	// rotation. Zero uses the default (30s); negative disables grace.
	GracePeriod time.Duration

	// Cookie configures the recommended cookie attributes.
	Cookie CookieConfig

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now is the optional time source, overridable for testing.
	Now func() time.Time
}

// validate rejects fatal misconfiguration. Zero values mean "use the
// default"; explicitly negative values are configuration bugs.
func (c *Config) validate() error {
	if c.TokenLength < 0 {
		return fmt.Errorf("csrf: TokenLength must not be negative, got %d", c.TokenLength)
	}
	if c.Expiry < 0 {
		return fmt.Errorf("csrf: Expiry must not be negative, got %v", c.Expiry)
	}
	if c.RotationInterval < 0 {
		return fmt.Errorf("csrf: RotationInterval must not be negative, got %v", c.RotationInterval)
	}
	return nil
}

// tokenRecord is the per-session token state. Exactly one record exists per
// session; rotation replaces the record rather than mutating the token.
type tokenRecord struct {
	token   string
	created time.Time
	expires time.Time
	usage   int64

	// previous holds the pre-rotation token until graceExpires, so requests
	// in flight across a rotation are not spuriously rejected.
	previous     string
	graceExpires time.Time
}

// Token is an issued token plus the attributes the caller should set on the
// session's CSRF cookie.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Cookie    CookieAttributes
}

// CookieAttributes are the recommended cookie attributes for an issued token.
type CookieAttributes struct {
	Name     string
	Path     string
	MaxAge   int
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// Result reports the outcome of a token validation.
type Result struct {
	// Valid is true when the provided token matched the stored one
	Valid bool

	// Reason is a machine-readable failure reason when Valid is false
	Reason string

	// Usage is the number of successful validations for this token so far
	Usage int64

	// Remaining is the token's remaining lifetime
	Remaining time.Duration

	// ShouldRotate advises the caller to reissue the token because less
	// than a quarter of its lifetime remains
	ShouldRotate bool
}

// Manager issues and validates per-session CSRF tokens. All state is held in
// memory; a background sweep deletes expired records and proactively rotates
// records nearing expiry.
type Manager struct {
	records map[string]*tokenRecord // session id -> record
	mu      sync.RWMutex

	tokenLength int
	expiry      time.Duration
	grace       time.Duration
	cookie      CookieConfig

	logger    *slog.Logger
	now       func() time.Time
	sweepEach time.Duration
	stopSweep chan struct{}
	stopOnce  sync.Once

	// counter feeds index-dependent bytes into token derivation so two
	// tokens generated in the same nanosecond still differ at the source.
	counter atomic.Uint64

	// Statistics
	totalIssued  int64
	totalRotated int64
	totalCleaned int64
}

// NewManager creates a CSRF token manager and starts its background rotation
// sweep. Fatal misconfiguration (negative token length or durations) is
// rejected here, before any traffic is served.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = "csrf_token"
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie.Path = "/"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		records:     make(map[string]*tokenRecord),
		tokenLength: cfg.TokenLength,
		expiry:      cfg.Expiry,
		grace:       cfg.GracePeriod,
		cookie:      cfg.Cookie,
		logger:      cfg.Logger,
		now:         cfg.Now,
		sweepEach:   cfg.RotationInterval,
		stopSweep:   make(chan struct{}),
	}

	// Start background rotation sweep goroutine
	go m.sweepLoop()

	m.logger.Debug("CSRF token manager initialized",
		"token_length", m.tokenLength,
		"expiry", m.expiry,
		"grace_period", m.grace)

	return m, nil
}

// Generate issues a fresh token for the session, replacing any existing one.
// The previous token, if any, is not honored afterwards; use Rotate to keep
// it valid for the grace window.
func (m *Manager) Generate(sessionID string) (Token, error) {
	now := m.now()
	value, err := m.newTokenValue(now)
	if err != nil {
		return Token{}, fmt.Errorf("csrf: failed to generate token: %w", err)
	}

	m.mu.Lock()
	m.records[sessionID] = &tokenRecord{
		token:   value,
		created: now,
		expires: now.Add(m.expiry),
	}
	m.totalIssued++
	m.mu.Unlock()

	m.logger.Debug("CSRF token issued",
		"session_id", util.SafeTruncate(sessionID, tokenIDLogLength),
		"expires", now.Add(m.expiry))

	return m.issuedToken(value, now), nil
}

// Validate checks a provided token against the session's stored record.
// Failures are reported as structured results with a machine-readable
// Reason; Validate itself never returns an error and never panics, so a
// gateway can always turn its result directly into an allow/403 decision.
func (m *Manager) Validate(sessionID, provided string) Result {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[sessionID]
	if !exists {
		return Result{Reason: ReasonNotFound}
	}

	if now.After(rec.expires) {
		delete(m.records, sessionID)
		return Result{Reason: ReasonExpired}
	}

	// Accept the pre-rotation token while its grace window is open
	if rec.previous != "" && now.Before(rec.graceExpires) &&
		len(provided) == len(rec.previous) &&
		subtle.ConstantTimeCompare([]byte(provided), []byte(rec.previous)) == 1 {
		rec.usage++
		return m.successLocked(rec, now)
	}

	if len(provided) != len(rec.token) {
		return Result{Reason: ReasonInvalidFormat}
	}

	// Constant-time comparison: every byte is XOR-accumulated regardless of
	// where the first mismatch occurs, so response timing leaks nothing
	// about the stored token.
	if subtle.ConstantTimeCompare([]byte(provided), []byte(rec.token)) != 1 {
		m.logger.Warn("CSRF token mismatch",
			"session_id", util.SafeTruncate(sessionID, tokenIDLogLength))
		return Result{Reason: ReasonMismatch}
	}

	rec.usage++
	return m.successLocked(rec, now)
}

// successLocked builds the success result for a validated record.
// Must be called with the mutex held.
func (m *Manager) successLocked(rec *tokenRecord, now time.Time) Result {
	remaining := rec.expires.Sub(now)
	return Result{
		Valid:        true,
		Usage:        rec.usage,
		Remaining:    remaining,
		ShouldRotate: remaining < m.expiry/rotationThresholdFraction,
	}
}

// Rotate replaces the session's token with a fresh one. The old token stays
// valid for the configured grace period so requests already in flight with
// it still validate.
func (m *Manager) Rotate(sessionID string) (Token, error) {
	now := m.now()

	m.mu.RLock()
	rec, exists := m.records[sessionID]
	m.mu.RUnlock()
	if !exists {
		return Token{}, fmt.Errorf("csrf: no token to rotate for session")
	}

	value, err := m.newTokenValue(now)
	if err != nil {
		return Token{}, fmt.Errorf("csrf: failed to rotate token: %w", err)
	}

	m.mu.Lock()
	// Re-check under the write lock: a concurrent Validate may have
	// expiry-deleted the record while the new token was being generated,
	// and installing the replacement would resurrect a dead session.
	rec, exists = m.records[sessionID]
	if !exists || now.After(rec.expires) {
		delete(m.records, sessionID)
		m.mu.Unlock()
		return Token{}, fmt.Errorf("csrf: no token to rotate for session")
	}
	m.records[sessionID] = &tokenRecord{
		token:        value,
		created:      now,
		expires:      now.Add(m.expiry),
		previous:     rec.token,
		graceExpires: now.Add(m.grace),
	}
	m.totalRotated++
	m.mu.Unlock()

	m.logger.Debug("CSRF token rotated",
		"session_id", util.SafeTruncate(sessionID, tokenIDLogLength))

	return m.issuedToken(value, now), nil
}

// Remove deletes the session's token record, if any. Called on logout.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
}

// SweepExpired deletes expired records and proactively rotates records
// within the rotation threshold of expiry. It returns the number of records
// rotated and cleaned for observability.
func (m *Manager) SweepExpired() (rotated, cleaned int) {
	now := m.now()
	threshold := m.expiry / rotationThresholdFraction

	// Collect under the read path first so token generation (which reads
	// the system RNG) happens outside the critical section.
	m.mu.Lock()
	var toRotate []string
	for sessionID, rec := range m.records {
		switch {
		case now.After(rec.expires):
			delete(m.records, sessionID)
			cleaned++
		case rec.expires.Sub(now) < threshold:
			toRotate = append(toRotate, sessionID)
		}
	}
	m.totalCleaned += int64(cleaned)
	m.mu.Unlock()

	for _, sessionID := range toRotate {
		if _, err := m.Rotate(sessionID); err == nil {
			rotated++
		}
	}

	if rotated > 0 || cleaned > 0 {
		m.logger.Debug("CSRF sweep completed", "rotated", rotated, "cleaned", cleaned)
	}
	return rotated, cleaned
}

// sweepLoop periodically sweeps expired and near-expiry tokens
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepEach)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

// Stop gracefully stops the rotation sweep goroutine.
// Safe to call multiple times concurrently.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopSweep)
		m.logger.Debug("CSRF token manager stopped")
	})
}

// newTokenValue derives a token from three independent entropy sources: the
// system RNG, the current time, and a per-manager counter. The sources are
// mixed through HKDF-SHA256 so a weakness in any single source does not make
// the output predictable.
func (m *Manager) newTokenValue(now time.Time) (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("reading system RNG: %w", err)
	}

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(now.UnixNano()))

	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, m.counter.Add(1))

	// Expand enough bytes that the base64url encoding covers TokenLength
	raw := make([]byte, (m.tokenLength*3)/4+3)
	kdf := hkdf.New(sha256.New, seed, salt, info)
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return "", fmt.Errorf("expanding token bytes: %w", err)
	}

	value := base64.RawURLEncoding.EncodeToString(raw)
	return value[:m.tokenLength], nil
}

// issuedToken packages a token value with its expiry and cookie attributes.
func (m *Manager) issuedToken(value string, now time.Time) Token {
	return Token{
		Value:     value,
		ExpiresAt: now.Add(m.expiry),
		Cookie: CookieAttributes{
			Name:     m.cookie.Name,
			Path:     m.cookie.Path,
			MaxAge:   int(m.expiry / time.Second),
			HTTPOnly: true,
			Secure:   !m.cookie.AllowInsecure,
			SameSite: http.SameSiteStrictMode,
		},
	}
}

// Stats holds CSRF token manager statistics for monitoring
type Stats struct {
	ActiveSessions int   // Current number of sessions with a live record
	TotalIssued    int64 // Total tokens issued
	TotalRotated   int64 // Total tokens rotated
	TotalCleaned   int64 // Total expired records removed by sweeps
}

// GetStats returns current token manager statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		ActiveSessions: len(m.records),
		TotalIssued:    m.totalIssued,
		TotalRotated:   m.totalRotated,
		TotalCleaned:   m.totalCleaned,
	}
}
