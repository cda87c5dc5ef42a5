// Package valkey provides a Valkey-backed audit sink.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. The sink pushes each audit event as a JSON document onto a capped
// list, giving multi-instance deployments a shared, centrally queryable
// audit trail while the in-process store remains the source of truth for
// the local instance.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/pocketledger/guard/audit"
)

const (
	// DefaultKey is the list key events are pushed to
	DefaultKey = "guard:audit"

	// DefaultMaxLen caps the list length; older events are trimmed
	DefaultMaxLen = 100000

	// DefaultTTL is how long the list survives without new events
	DefaultTTL = 30 * 24 * time.Hour

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// writeTimeout bounds a single event write
	writeTimeout = 2 * time.Second
)

// Config holds configuration for the Valkey audit sink.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// Key is the list key events are pushed to (default "guard:audit")
	Key string

	// MaxLen caps the list; older entries are trimmed away (default 100,000)
	MaxLen int

	// TTL is the expiry refreshed on every write (default 30 days)
	TTL time.Duration

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Sink writes audit events to a capped Valkey list.
type Sink struct {
	client valkeygo.Client
	key    string
	maxLen int64
	ttl    time.Duration
	logger *slog.Logger
}

// Compile-time interface check
var _ audit.Sink = (*Sink)(nil)

// New creates a Valkey-backed audit sink.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Sink, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	cfg.Logger.Info("Connected to Valkey audit sink",
		"address", cfg.Address,
		"db", cfg.DB,
		"key", cfg.Key)

	return &Sink{
		client: client,
		key:    cfg.Key,
		maxLen: int64(cfg.MaxLen),
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}, nil
}

// Name implements audit.Sink
func (s *Sink) Name() string { return "valkey" }

// Write implements audit.Sink. It pushes the event onto the list, trims the
// list to MaxLen, and refreshes the TTL. The write is bounded by a short
// timeout; the audit logger's writer goroutine absorbs any latency.
func (s *Sink) Write(ev audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.client.Do(ctx, s.client.B().Lpush().Key(s.key).Element(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("pushing event: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Ltrim().Key(s.key).Start(0).Stop(s.maxLen-1).Build()).Error(); err != nil {
		return fmt.Errorf("trimming list: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Expire().Key(s.key).Seconds(int64(s.ttl/time.Second)).Build()).Error(); err != nil {
		return fmt.Errorf("refreshing ttl: %w", err)
	}
	return nil
}

// Close closes the Valkey client connection.
func (s *Sink) Close() error {
	s.client.Close()
	s.logger.Debug("Valkey audit sink closed")
	return nil
}
