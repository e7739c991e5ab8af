package ha

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// calendarFeatureCreateEvent mirrors CalendarEntityFeature.CREATE_EVENT
const calendarFeatureCreateEvent = 1

// MockClient implements HAClient interface for testing.
// It keeps an in-memory store of calendar events so calendar.get_events
// and calendar.create_event behave like a real calendar integration.
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	calendars    map[string][]CalendarEvent
	calendarsMu  sync.Mutex
	failures     map[string]error
	failuresMu   sync.Mutex
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// CalendarEvent is an event as stored and returned by the mock calendar
type CalendarEvent struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		calendars:    make(map[string][]CalendarEvent),
		failures:     make(map[string]error),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// AddCalendar registers a calendar entity that supports event creation
func (m *MockClient) AddCalendar(entityID string) {
	m.calendarsMu.Lock()
	if _, ok := m.calendars[entityID]; !ok {
		m.calendars[entityID] = nil
	}
	m.calendarsMu.Unlock()

	m.SetState(entityID, "off", map[string]interface{}{
		"supported_features": float64(calendarFeatureCreateEvent),
	})
}

// CalendarEvents returns a copy of the events stored for a calendar
func (m *MockClient) CalendarEvents(entityID string) []CalendarEvent {
	m.calendarsMu.Lock()
	defer m.calendarsMu.Unlock()

	events := make([]CalendarEvent, len(m.calendars[entityID]))
	copy(events, m.calendars[entityID])
	return events
}

// FailService makes every call to domain.service fail with err until cleared with a nil err
func (m *MockClient) FailService(domain, service string, err error) {
	m.failuresMu.Lock()
	defer m.failuresMu.Unlock()

	key := domain + "." + service
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// CallService records a service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	_, err := m.CallServiceWithResponse(domain, service, data)
	return err
}

// CallServiceWithResponse records a service call and answers calendar services
func (m *MockClient) CallServiceWithResponse(domain, service string, data map[string]interface{}) (json.RawMessage, error) {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	m.failuresMu.Lock()
	err := m.failures[domain+"."+service]
	m.failuresMu.Unlock()
	if err != nil {
		return nil, err
	}

	if domain != "calendar" {
		return nil, nil
	}

	switch service {
	case "get_events":
		return m.getEvents(data)
	case "create_event":
		return nil, m.createEvent(data)
	}
	return nil, nil
}

func (m *MockClient) getEvents(data map[string]interface{}) (json.RawMessage, error) {
	entityID, _ := data["entity_id"].(string)
	start, err := parseServiceTime(data["start_date_time"])
	if err != nil {
		return nil, &ServiceError{Code: "invalid_format", Message: err.Error()}
	}
	end, err := parseServiceTime(data["end_date_time"])
	if err != nil {
		return nil, &ServiceError{Code: "invalid_format", Message: err.Error()}
	}

	m.calendarsMu.Lock()
	stored, ok := m.calendars[entityID]
	m.calendarsMu.Unlock()
	if !ok {
		return nil, &ServiceError{Code: "service_validation_error", Message: fmt.Sprintf("entity %s not found", entityID)}
	}

	matched := make([]CalendarEvent, 0)
	for _, event := range stored {
		eventStart, _ := time.Parse("2006-01-02", event.Start)
		eventEnd, _ := time.Parse("2006-01-02", event.End)
		if eventStart.Before(end) && eventEnd.After(start) {
			matched = append(matched, event)
		}
	}

	return json.Marshal(map[string]interface{}{
		entityID: map[string]interface{}{"events": matched},
	})
}

func (m *MockClient) createEvent(data map[string]interface{}) error {
	entityID, _ := data["entity_id"].(string)
	event := CalendarEvent{}
	event.Start, _ = data["start_date"].(string)
	event.End, _ = data["end_date"].(string)
	event.Summary, _ = data["summary"].(string)
	event.Description, _ = data["description"].(string)

	m.calendarsMu.Lock()
	defer m.calendarsMu.Unlock()

	if _, ok := m.calendars[entityID]; !ok {
		return &ServiceError{Code: "service_validation_error", Message: fmt.Sprintf("entity %s not found", entityID)}
	}
	m.calendars[entityID] = append(m.calendars[entityID], event)
	sort.SliceStable(m.calendars[entityID], func(i, j int) bool {
		return m.calendars[entityID][i].Start < m.calendars[entityID][j].Start
	})
	return nil
}

// parseServiceTime accepts the datetime formats HA accepts for get_events
func parseServiceTime(v interface{}) (time.Time, error) {
	s, _ := v.(string)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// CountServiceCalls counts recorded calls to domain.service
func (m *MockClient) CountServiceCalls(domain, service string) int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	count := 0
	for _, call := range m.serviceCalls {
		if call.Domain == domain && call.Service == service {
			count++
		}
	}
	return count
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}
