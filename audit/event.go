package audit

import "time"

// Event categories used by the specialized logging helpers.
const (
	// CategoryAuthentication covers login, logout, and credential events
	CategoryAuthentication = "authentication"

	// CategoryAuthorization covers permission checks and escalations
	CategoryAuthorization = "authorization"

	// CategoryDataAccess covers reads and writes of user data
	CategoryDataAccess = "data_access"

	// CategoryViolation covers confirmed security violations
	CategoryViolation = "security_violation"
)

// Well-known actions with non-default severity.
const (
	// ActionFailedLogin is a failed authentication attempt
	ActionFailedLogin = "failed_login"

	// ActionPermissionEscalation is an attempt to gain elevated permissions
	ActionPermissionEscalation = "permission_escalation"

	// ActionRateLimitExceeded is a rate limit rejection
	ActionRateLimitExceeded = "rate_limit_exceeded"

	// ActionCSRFValidationFailed is a CSRF token rejection
	ActionCSRFValidationFailed = "csrf_validation_failed"
)

// Event is an immutable, append-only audit record. Details are redacted
// before the event is stored; an Event never carries raw denylisted fields
// or PII-shaped strings.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// Entry carries the caller-supplied parts of an event. All fields are
// optional; the zero Entry records an Info-level event with no payload.
type Entry struct {
	// Level is the event severity. Zero value is Info.
	Level Level

	UserID    string
	SessionID string
	IPAddress string
	UserAgent string
	Resource  string

	// Data is the event payload. It is deep-cloned and redacted before
	// storage; the caller's map is never mutated.
	Data map[string]any

	// Metadata is supplementary payload stored under details["metadata"],
	// redacted the same way as Data.
	Metadata map[string]any

	// Tags are free-form strings for filtered queries
	Tags []string
}
