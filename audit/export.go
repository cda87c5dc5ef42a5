package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "txt"
)

// csvHeader is the fixed column set for CSV exports
var csvHeader = []string{"timestamp", "level", "category", "action", "user_id", "ip_address", "resource"}

// Export serializes the events matching the filter. Supported formats are
// "json" (pretty-printed array, newest first), "csv" (fixed column header,
// values quote-escaped by encoding/csv), and "txt" (one human-readable line
// per event). An unsupported format is an explicit error naming the format.
func (l *Logger) Export(format string, f Filter) ([]byte, error) {
	events := l.Query(f)

	switch format {
	case FormatJSON:
		return json.MarshalIndent(events, "", "  ")
	case FormatCSV:
		return exportCSV(events)
	case FormatText:
		return exportText(events), nil
	default:
		return nil, fmt.Errorf("audit: unsupported export format %q", format)
	}
}

func exportCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("audit: writing csv header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.Timestamp.Format(time.RFC3339Nano),
			ev.Level.String(),
			ev.Category,
			ev.Action,
			ev.UserID,
			ev.IPAddress,
			ev.Resource,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("audit: writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportText(events []Event) []byte {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%s [%s] %s/%s", ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Category, ev.Action)
		if ev.UserID != "" {
			fmt.Fprintf(&b, " user=%s", ev.UserID)
		}
		if ev.IPAddress != "" {
			fmt.Fprintf(&b, " ip=%s", ev.IPAddress)
		}
		if ev.Resource != "" {
			fmt.Fprintf(&b, " resource=%s", ev.Resource)
		}
		if len(ev.Tags) > 0 {
			fmt.Fprintf(&b, " tags=%s", strings.Join(ev.Tags, ","))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
