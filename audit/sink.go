package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Sink receives stored audit events for delivery to an external destination
// (console, file, aggregation service). Sinks are invoked from a dedicated
// writer goroutine, never from the request path, so a Write may perform I/O.
// A Write error is recovered by the Logger and reported on its fallback
// channel; it never propagates to the code that logged the event.
type Sink interface {
	// Name identifies the sink in fallback error logs
	Name() string

	// Write delivers one event
	Write(Event) error
}

// SlogSink writes events to a structured logger, mapping audit levels to
// slog levels. It is the console output sink.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a console sink. A nil logger uses slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Name implements Sink
func (s *SlogSink) Name() string { return "slog" }

// Write implements Sink
func (s *SlogSink) Write(ev Event) error {
	level := slog.LevelInfo
	switch ev.Level {
	case LevelDebug:
		level = slog.LevelDebug
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError, LevelCritical:
		level = slog.LevelError
	}

	s.logger.Log(context.Background(), level, "security_audit",
		"event_id", ev.ID,
		"category", ev.Category,
		"action", ev.Action,
		"user_id", ev.UserID,
		"session_id", ev.SessionID,
		"ip_address", ev.IPAddress,
		"resource", ev.Resource,
		"details", ev.Details,
		"tags", ev.Tags,
		"timestamp", ev.Timestamp,
	)
	return nil
}

// FileSink appends events to a file as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the file at path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open sink file: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Name implements Sink
func (s *FileSink) Name() string { return "file" }

// Write implements Sink
func (s *FileSink) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
