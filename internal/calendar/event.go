// Package calendar mirrors vehicle reminder dates into calendars without
// creating duplicates, and renders the standalone per-vehicle calendar.
package calendar

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NoneSentinel in a calendar target list means "expose a standalone calendar
// instead of writing into an existing one".
const NoneSentinel = "None"

const dateLayout = "2006-01-02"

var (
	// ErrUnsupported means the calendar cannot perform the operation
	ErrUnsupported = errors.New("calendar operation not supported")
	// ErrValidation means the calendar rejected the request arguments
	ErrValidation = errors.New("calendar rejected request")
)

// Event is a single all-day reminder. End is exclusive.
type Event struct {
	CalendarID  string
	Start       time.Time
	End         time.Time
	Summary     string
	Description string
}

// Calendar is the host-side calendar storage
type Calendar interface {
	// Query returns events on entityID overlapping [start, end)
	Query(ctx context.Context, entityID string, start, end time.Time) ([]Event, error)
	// Create adds an event to event.CalendarID
	Create(ctx context.Context, event Event) error
}

// Matches reports whether two events share the reconciliation key.
// Comparison is exact; no trimming or case folding.
func (e Event) Matches(other Event) bool {
	return e.CalendarID == other.CalendarID &&
		e.Summary == other.Summary &&
		e.Description == other.Description
}

// NewEvent builds a single-day event starting on date
func NewEvent(calendarID string, date time.Time, summary, description string) Event {
	start := truncateDay(date)
	return Event{
		CalendarID:  calendarID,
		Start:       start,
		End:         start.AddDate(0, 0, 1),
		Summary:     summary,
		Description: description,
	}
}

// EventUID derives a stable identifier from the event's content.
// It is the SHA-1 of the canonical JSON form truncated to a UUID.
func EventUID(e Event) string {
	canonical, err := json.Marshal(map[string]string{
		"calendar_id": e.CalendarID,
		"description": e.Description,
		"end":         e.End.Format(dateLayout),
		"start":       e.Start.Format(dateLayout),
		"summary":     e.Summary,
	})
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	sum := sha1.Sum(canonical)
	id, _ := uuid.FromBytes(sum[:16])
	return id.String()
}

// OperationError is a calendar failure that was not tolerated. It is logged
// by the caller and the reminder is retried on the next refresh.
type OperationError struct {
	Op         string
	CalendarID string
	Summary    string
	Err        error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("calendar %s on %s (%s) failed: %v", e.Op, e.CalendarID, e.Summary, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
