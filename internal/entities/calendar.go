package entities

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"vehiclecheck/internal/calendar"
	"vehiclecheck/internal/clock"
)

// Calendar is the standalone per-vehicle calendar. Its events are derived
// from the record's date fields rather than stored anywhere.
type Calendar struct {
	base
	reg   string
	clock clock.Clock
}

// NewCalendar creates the standalone calendar for a registration
func NewCalendar(reg string, provider Provider, clk clock.Clock) *Calendar {
	return &Calendar{
		base: base{
			id:       entityID("calendar", reg, ""),
			name:     strings.ToUpper(fmt.Sprintf("%s - %s", domain, reg)),
			provider: provider,
		},
		reg:   reg,
		clock: clk,
	}
}

// Events returns every date-field event on or after from, earliest first
func (c *Calendar) Events(from time.Time) []calendar.Event {
	data := c.provider.Data()
	fromDay := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)

	var events []calendar.Event
	for _, desc := range DateSensorTypes() {
		date, ok, err := data.Date(desc.Key)
		if err != nil || !ok {
			continue
		}
		if date.Before(fromDay) {
			continue
		}
		events = append(events, calendar.NewEvent(c.id, date, c.eventName(desc.Name), ""))
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events
}

// Between returns events starting on or after start and no later than end
func (c *Calendar) Between(start, end time.Time) []calendar.Event {
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	var out []calendar.Event
	for _, event := range c.Events(start) {
		if !event.Start.After(endDay) {
			out = append(out, event)
		}
	}
	return out
}

// Next returns the earliest upcoming event
func (c *Calendar) Next() (calendar.Event, bool) {
	events := c.Events(c.clock.Now())
	if len(events) == 0 {
		return calendar.Event{}, false
	}
	return events[0], true
}

// WriteICS renders the upcoming events as an iCalendar feed
func (c *Calendar) WriteICS(w io.Writer) error {
	now := c.clock.Now()
	return calendar.WriteICS(w, c.name, c.Events(now), now)
}

// eventName turns "Tax Due Date" into "Tax Due - AB12CDE"
func (c *Calendar) eventName(sensorName string) string {
	return fmt.Sprintf("%s - %s", strings.TrimSuffix(sensorName, " Date"), c.reg)
}

// State is "on" while an event is in progress
func (c *Calendar) State() string {
	if !c.Available() {
		return StateUnavailable
	}
	next, ok := c.Next()
	if !ok {
		return "off"
	}
	now := c.clock.Now()
	if !now.Before(next.Start) && now.Before(next.End) {
		return "on"
	}
	return "off"
}

func (c *Calendar) Attributes() map[string]any {
	attrs := map[string]any{
		"friendly_name": c.name,
	}
	if next, ok := c.Next(); ok {
		attrs["message"] = next.Summary
		attrs["all_day"] = true
		attrs["start_time"] = next.Start.Format("2006-01-02 15:04:05")
		attrs["end_time"] = next.End.Format("2006-01-02 15:04:05")
	}
	return attrs
}

func (c *Calendar) Subscribe(f func(Source)) func() {
	return c.subscribe(c, f)
}
