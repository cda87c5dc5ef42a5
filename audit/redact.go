package audit

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// DefaultRedactReplacement is the marker substituted for redacted values
const DefaultRedactReplacement = "[REDACTED]"

// DefaultRedactFields are the field names whose values are always replaced
// wholesale, matched case-insensitively at any nesting depth.
var DefaultRedactFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"ssn",
	"credit_card",
	"creditcard",
	"card_number",
	"cvv",
	"pin",
}

// piiPattern pairs a PII-shaped regular expression with its replacement
// template. Templates may reference capture groups to preserve surrounding
// structure (e.g. the key of an embedded JSON fragment).
type piiPattern struct {
	re   *regexp.Regexp
	repl string
}

// piiPatterns are scanned against every string value during redaction.
// The replacement marker itself matches none of them, which is what makes
// redaction idempotent.
var piiPatterns = []piiPattern{
	// Embedded JSON credential fragments, e.g. `"password":"hunter2"`.
	// These run first so the email/phone scans below never see the value.
	{regexp.MustCompile(`("(?i:password|token|secret|api_key)"\s*:\s*")[^"]*(")`), "${1}%s${2}"},

	// Email addresses
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "%s"},

	// SSN-shaped: 123-45-6789
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "%s"},

	// Credit-card-shaped: 13-16 digits with optional space/dash grouping
	{regexp.MustCompile(`\b(?:\d{4}[ \-]?){3}\d{1,4}\b`), "%s"},

	// Phone numbers: optional country code, common US-style groupings
	{regexp.MustCompile(`(?:\+?\d{1,2}[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`), "%s"},
}

// Redactor removes sensitive fields and PII-shaped substrings from event
// payloads before they reach storage. Redaction deep-clones its input, so
// the caller's map is never mutated, and it is idempotent: redacting an
// already-redacted payload yields the identical payload.
type Redactor struct {
	replacement string
	fields      map[string]struct{}
}

// NewRedactor creates a redactor for the given denylist field names.
// Nil fields uses DefaultRedactFields; empty replacement uses
// DefaultRedactReplacement.
func NewRedactor(fields []string, replacement string) *Redactor {
	if fields == nil {
		fields = DefaultRedactFields
	}
	if replacement == "" {
		replacement = DefaultRedactReplacement
	}

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.ToLower(f)] = struct{}{}
	}
	return &Redactor{replacement: replacement, fields: set}
}

// Redact returns a deep-cloned copy of the payload with denylisted fields
// replaced wholesale and PII-shaped substrings replaced in place.
func (r *Redactor) Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return r.redactMap(payload)
}

func (r *Redactor) redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, denied := r.fields[strings.ToLower(k)]; denied {
			out[k] = r.replacement
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return r.redactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.RedactString(item)
		}
		return out
	case []byte:
		return []byte(r.RedactString(string(val)))
	case string:
		return r.RedactString(val)
	case time.Time:
		return val
	default:
		return r.redactReflect(reflect.ValueOf(v))
	}
}

// redactReflect walks composite values the type switch above does not cover
// (typed maps, typed slices, structs, pointers). The walk normalizes them to
// map[string]any / []any so a second redaction pass sees the fast-path types
// and yields the identical payload.
func (r *Redactor) redactReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return r.redactValue(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			if _, denied := r.fields[strings.ToLower(key)]; denied {
				out[key] = r.replacement
				continue
			}
			out[key] = r.redactValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = r.redactValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		if rv.Type() == reflect.TypeOf(time.Time{}) {
			return rv.Interface()
		}
		t := rv.Type()
		out := make(map[string]any, rv.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if _, denied := r.fields[strings.ToLower(f.Name)]; denied {
				out[f.Name] = r.replacement
				continue
			}
			out[f.Name] = r.redactValue(rv.Field(i).Interface())
		}
		return out
	case reflect.String:
		return r.RedactString(rv.String())
	default:
		// Numbers, bools and other scalars carry no string PII
		return rv.Interface()
	}
}

// RedactString replaces every PII-shaped substring in s with the
// replacement marker, preserving the surrounding text.
func (r *Redactor) RedactString(s string) string {
	for _, p := range piiPatterns {
		repl := strings.ReplaceAll(p.repl, "%s", r.replacement)
		s = p.re.ReplaceAllString(s, repl)
	}
	return s
}
