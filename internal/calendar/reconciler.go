package calendar

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of EnsureEvent
type Result int

const (
	// ResultExists means an identical event was already on the calendar
	ResultExists Result = iota
	// ResultCreated means the event was missing and has been created
	ResultCreated
	// ResultSkipped means nothing was written this cycle (tolerated failure or read-only)
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultExists:
		return "exists"
	case ResultCreated:
		return "created"
	case ResultSkipped:
		return "skipped"
	}
	return "unknown"
}

// Reconciler creates reminder events only when they are absent
type Reconciler struct {
	calendar Calendar
	logger   *zap.Logger
	readOnly bool
}

// NewReconciler creates a reconciler writing through cal
func NewReconciler(cal Calendar, logger *zap.Logger, readOnly bool) *Reconciler {
	return &Reconciler{
		calendar: cal,
		logger:   logger.Named("calendar"),
		readOnly: readOnly,
	}
}

// EnsureEvent makes sure a single-day event with the given summary and
// description exists on calendarID at date. The calendar is queried for the
// day first, so repeated calls (including across restarts) create at most one
// event as long as the calendar returns what was previously created.
//
// Unsupported and validation failures are logged and reported as
// ResultSkipped with a nil error. Any other failure is an *OperationError.
func (r *Reconciler) EnsureEvent(ctx context.Context, calendarID string, date time.Time, summary, description string) (Result, error) {
	want := NewEvent(calendarID, date, summary, description)
	logger := r.logger.With(
		zap.String("calendar", calendarID),
		zap.String("date", want.Start.Format(dateLayout)),
		zap.String("summary", summary),
		zap.String("uid", EventUID(want)))

	existing, err := r.calendar.Query(ctx, calendarID, want.Start, want.End)
	if err != nil {
		if tolerated(err) {
			logger.Warn("Calendar query not possible, skipping reminder this cycle", zap.Error(err))
			return ResultSkipped, nil
		}
		return ResultSkipped, &OperationError{Op: "query", CalendarID: calendarID, Summary: summary, Err: err}
	}

	for _, event := range existing {
		event.CalendarID = calendarID
		if event.Matches(want) {
			logger.Debug("Reminder already on calendar")
			return ResultExists, nil
		}
	}

	if r.readOnly {
		logger.Info("READ_ONLY mode: would create calendar event")
		return ResultSkipped, nil
	}

	if err := r.calendar.Create(ctx, want); err != nil {
		if tolerated(err) {
			logger.Warn("Calendar rejected reminder, will retry next cycle", zap.Error(err))
			return ResultSkipped, nil
		}
		return ResultSkipped, &OperationError{Op: "create", CalendarID: calendarID, Summary: summary, Err: err}
	}

	logger.Info("Created calendar reminder")
	return ResultCreated, nil
}

func tolerated(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrValidation)
}
