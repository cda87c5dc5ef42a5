// Package testutil provides testing utilities and helpers for the guard
// library. It includes a controllable time source for deterministic testing
// of window trimming, token expiry, and retention sweeps.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// MockTime provides a controllable time source for deterministic testing.
// Its Now method can be passed wherever a component accepts a clock function.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString creates a random base64url string of approximately
// the given length, for session IDs and token fixtures in tests.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	s := base64.RawURLEncoding.EncodeToString(b)
	if len(s) > length {
		s = s[:length]
	}
	return s
}
