package dvla

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed lookup so callers can branch without
// inspecting error strings.
type ErrorKind int

const (
	// KindNone means the lookup succeeded
	KindNone ErrorKind = iota
	// KindAuthFailure means the API key was rejected; retrying will not help
	KindAuthFailure
	// KindRateLimited means the key exceeded its quota; retry next cycle
	KindRateLimited
	// KindUnknown covers every other API-reported, transport or parse failure
	KindUnknown
)

// Phrases the API uses for failures that get their own kind
const (
	authFailurePhrase = "Invalid authentication credentials"
	rateLimitPhrase   = "API rate limit exceeded"
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LookupError describes a failed lookup. Only the fields the API supplied are set.
type LookupError struct {
	Kind         ErrorKind
	Registration string
	Title        string
	Code         string
	Detail       string
	Message      string
	StatusCode   int
	Err          error
}

func (e *LookupError) Error() string {
	switch {
	case e.Title != "" || e.Code != "" || e.Detail != "":
		return fmt.Sprintf("error looking up %s: %s(%s) - %s", e.Registration, e.Title, e.Code, e.Detail)
	case e.Message != "":
		return fmt.Sprintf("error looking up %s: %s", e.Registration, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("error looking up %s: %v", e.Registration, e.Err)
	default:
		return fmt.Sprintf("error looking up %s: unexpected status %d", e.Registration, e.StatusCode)
	}
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err. Nil maps to KindNone and any
// error that is not a LookupError maps to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		return lookupErr.Kind
	}
	return KindUnknown
}

// classifyText maps known failure phrases to their kind
func classifyText(parts ...string) ErrorKind {
	text := strings.Join(parts, " ")
	switch {
	case strings.Contains(text, authFailurePhrase):
		return KindAuthFailure
	case strings.Contains(text, rateLimitPhrase):
		return KindRateLimited
	default:
		return KindUnknown
	}
}
