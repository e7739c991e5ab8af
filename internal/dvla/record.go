package dvla

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the format the API uses for every date field
const DateLayout = "2006-01-02"

// Record is a successfully parsed vehicle enquiry payload, keyed by the API's
// field names (taxStatus, motExpiryDate, make, ...). A Record is never
// mutated after it is returned; callers replace it wholesale.
type Record map[string]any

// Has reports whether the payload contains key
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the value of key rendered as a string
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val)), true
		}
		return fmt.Sprintf("%g", val), true
	default:
		return fmt.Sprint(val), true
	}
}

// Date parses key as an ISO date. Missing or empty fields return ok=false
// with a nil error; malformed values return an error.
func (r Record) Date(key string) (time.Time, bool, error) {
	s, ok := r.String(key)
	if !ok || strings.TrimSpace(s) == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("field %s: %w", key, err)
	}
	return t, true, nil
}

// Clone returns a shallow copy that callers may modify
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// LookupRequest identifies a polling target. It is fixed at creation;
// configuration changes build a new request and a new coordinator.
type LookupRequest struct {
	Registration string
	APIKey       string
	Interval     time.Duration
	Calendars    []string
}

// NormalizeRegistration uppercases and trims a registration number
func NormalizeRegistration(reg string) string {
	return strings.ToUpper(strings.TrimSpace(reg))
}
