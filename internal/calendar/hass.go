package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vehiclecheck/internal/ha"

	"go.uber.org/zap"
)

// featureCreateEvent is the CREATE_EVENT bit of a calendar's supported_features
const featureCreateEvent = 1

const queryTimeLayout = "2006-01-02 15:04:05"

// HassCalendar implements Calendar with the calendar.get_events and
// calendar.create_event services of Home Assistant.
type HassCalendar struct {
	client ha.HAClient
	logger *zap.Logger
}

// NewHassCalendar creates a calendar backed by a Home Assistant connection
func NewHassCalendar(client ha.HAClient, logger *zap.Logger) *HassCalendar {
	return &HassCalendar{
		client: client,
		logger: logger.Named("hass_calendar"),
	}
}

type hassEvent struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type hassEventList struct {
	Events []hassEvent `json:"events"`
}

// Query implements Calendar
func (h *HassCalendar) Query(ctx context.Context, entityID string, start, end time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := h.client.CallServiceWithResponse("calendar", "get_events", map[string]interface{}{
		"entity_id":       entityID,
		"start_date_time": start.Format(queryTimeLayout),
		"end_date_time":   end.Format(queryTimeLayout),
	})
	if err != nil {
		return nil, mapServiceError(err)
	}
	if len(resp) == 0 {
		return nil, nil
	}

	var byEntity map[string]hassEventList
	if err := json.Unmarshal(resp, &byEntity); err != nil {
		return nil, fmt.Errorf("failed to decode get_events response: %w", err)
	}

	list := byEntity[entityID]
	events := make([]Event, 0, len(list.Events))
	for _, e := range list.Events {
		event := Event{
			CalendarID:  entityID,
			Summary:     e.Summary,
			Description: e.Description,
		}
		event.Start, _ = parseEventTime(e.Start)
		event.End, _ = parseEventTime(e.End)
		events = append(events, event)
	}
	return events, nil
}

// Create implements Calendar
func (h *HassCalendar) Create(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := h.client.CallService("calendar", "create_event", map[string]interface{}{
		"entity_id":   event.CalendarID,
		"start_date":  event.Start.Format(dateLayout),
		"end_date":    event.End.Format(dateLayout),
		"summary":     event.Summary,
		"description": event.Description,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return nil
}

// CheckTargets warns about calendar targets that are missing or cannot
// create events. The None sentinel is ignored. It returns the problematic ids.
func (h *HassCalendar) CheckTargets(targets []string) []string {
	var problems []string
	for _, target := range targets {
		if target == NoneSentinel {
			continue
		}

		state, err := h.client.GetState(target)
		if err != nil {
			h.logger.Warn("Calendar target not found",
				zap.String("calendar", target),
				zap.Error(err))
			problems = append(problems, target)
			continue
		}

		if state.SupportedFeatures()&featureCreateEvent == 0 {
			h.logger.Warn("Calendar target does not support creating events",
				zap.String("calendar", target),
				zap.Int("supported_features", state.SupportedFeatures()))
			problems = append(problems, target)
		}
	}
	return problems
}

// mapServiceError translates HA error codes into the tolerated sentinels
func mapServiceError(err error) error {
	var serviceErr *ha.ServiceError
	if !errors.As(err, &serviceErr) {
		return err
	}

	switch serviceErr.Code {
	case "service_validation_error", "invalid_format":
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case "home_assistant_error", "not_supported", "not_found":
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return err
}

func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dateLayout, time.RFC3339, "2006-01-02T15:04:05", queryTimeLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised event time %q", s)
}
