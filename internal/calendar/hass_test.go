package calendar

import (
	"context"
	"errors"
	"testing"

	"vehiclecheck/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHassCalendar(t *testing.T) (*HassCalendar, *ha.MockClient) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client := ha.NewMockClient()
	return NewHassCalendar(client, logger), client
}

func TestHassCalendar_CreateThenQuery(t *testing.T) {
	cal, client := newTestHassCalendar(t)
	client.AddCalendar("calendar.family")
	ctx := context.Background()

	event := NewEvent("calendar.family", day("2025-03-01"), "Tax - Due - AB12CDE", "DVLA Reminder - Tax Due - AB12CDE")
	require.NoError(t, cal.Create(ctx, event))

	calls := client.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "create_event", calls[0].Service)
	assert.Equal(t, "2025-03-01", calls[0].Data["start_date"])
	assert.Equal(t, "2025-03-02", calls[0].Data["end_date"])

	events, err := cal.Query(ctx, "calendar.family", event.Start, event.End)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Matches(event))
	assert.Equal(t, event.Start, events[0].Start)

	calls = client.GetServiceCalls()
	assert.Equal(t, "2025-03-01 00:00:00", calls[1].Data["start_date_time"])
	assert.Equal(t, "2025-03-02 00:00:00", calls[1].Data["end_date_time"])

	// adjacent days are outside the window
	events, err = cal.Query(ctx, "calendar.family", day("2025-03-02"), day("2025-03-03"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHassCalendar_ErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "service_validation_error", want: ErrValidation},
		{code: "invalid_format", want: ErrValidation},
		{code: "home_assistant_error", want: ErrUnsupported},
		{code: "not_supported", want: ErrUnsupported},
		{code: "not_found", want: ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			cal, client := newTestHassCalendar(t)
			client.AddCalendar("calendar.family")
			client.FailService("calendar", "create_event", &ha.ServiceError{Code: tt.code, Message: "nope"})

			err := cal.Create(context.Background(), NewEvent("calendar.family", day("2025-03-01"), "s", "d"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
		})
	}

	cal, client := newTestHassCalendar(t)
	client.FailService("calendar", "get_events", &ha.ServiceError{Code: "unknown_error", Message: "boom"})
	_, err := cal.Query(context.Background(), "calendar.family", day("2025-03-01"), day("2025-03-02"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrUnsupported))
}

func TestHassCalendar_UnknownCalendarIsTolerated(t *testing.T) {
	cal, client := newTestHassCalendar(t)
	logger, _ := zap.NewDevelopment()
	r := NewReconciler(cal, logger, false)

	result, err := r.EnsureEvent(context.Background(), "calendar.missing", day("2025-03-01"), "s", "d")
	assert.NoError(t, err)
	assert.Equal(t, ResultSkipped, result)
	assert.Equal(t, 0, client.CountServiceCalls("calendar", "create_event"))
}

func TestHassCalendar_ReconcilerReplay(t *testing.T) {
	cal, client := newTestHassCalendar(t)
	client.AddCalendar("calendar.family")
	logger, _ := zap.NewDevelopment()
	r := NewReconciler(cal, logger, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.EnsureEvent(ctx, "calendar.family", day("2025-06-15"),
			MotExpiry.Summary("AB12CDE"), MotExpiry.Description("AB12CDE"))
		require.NoError(t, err)
	}

	assert.Len(t, client.CalendarEvents("calendar.family"), 1)
	assert.Equal(t, 3, client.CountServiceCalls("calendar", "get_events"))
	assert.Equal(t, 1, client.CountServiceCalls("calendar", "create_event"))
}

func TestHassCalendar_CheckTargets(t *testing.T) {
	cal, client := newTestHassCalendar(t)
	client.AddCalendar("calendar.family")
	client.SetState("calendar.readonly", "off", map[string]interface{}{"supported_features": float64(0)})

	problems := cal.CheckTargets([]string{"calendar.family", "calendar.readonly", "calendar.missing", NoneSentinel})
	assert.Equal(t, []string{"calendar.readonly", "calendar.missing"}, problems)
}

func TestHassCalendar_CancelledContext(t *testing.T) {
	cal, client := newTestHassCalendar(t)
	client.AddCalendar("calendar.family")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cal.Query(ctx, "calendar.family", day("2025-03-01"), day("2025-03-02"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.GetServiceCalls())
}
