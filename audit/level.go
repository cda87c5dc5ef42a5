package audit

import "fmt"

// Level is the severity of an audit event. Levels are totally ordered:
// Debug < Info < Warn < Error < Critical. The zero value is Info, mirroring
// log/slog, so an unset level in a Config or Entry means Info.
type Level int8

const (
	// LevelDebug is diagnostic detail, normally filtered out of storage
	LevelDebug Level = iota - 1

	// LevelInfo is routine security-relevant activity
	LevelInfo

	// LevelWarn is suspicious but not confirmed-hostile activity
	LevelWarn

	// LevelError is a definite policy violation or failure
	LevelError

	// LevelCritical is an incident requiring immediate attention
	LevelCritical
)

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int8(l))
	}
}

// MarshalText implements encoding.TextMarshaler so events serialize levels
// by name in JSON exports.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a level name to a Level. It accepts the canonical
// upper-case names only.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	default:
		return LevelInfo, fmt.Errorf("audit: unknown level %q", s)
	}
}
