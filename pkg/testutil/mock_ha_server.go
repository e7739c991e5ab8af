// Package testutil provides a mock Home Assistant WebSocket server for
// integration tests. It speaks the auth handshake, get_states and
// call_service, and backs the calendar domain with an in-memory store so
// calendar.get_events / calendar.create_event round-trip like a real
// calendar integration.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// calendarFeatureCreateEvent mirrors CalendarEntityFeature.CREATE_EVENT
const calendarFeatureCreateEvent = 1

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(msg); err != nil {
		log.Printf("Mock HA write failed: %v", err)
	}
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server        *http.Server
	listener      net.Listener
	addr          string
	states        map[string]*EntityState
	statesMu      sync.RWMutex
	calendars     map[string][]CalendarEvent
	calendarsMu   sync.Mutex
	failures      map[string]ErrorBody
	failuresMu    sync.Mutex
	connections   []*connWrapper
	connsMu       sync.Mutex
	responseDelay time.Duration // Simulates network latency
	token         string
	serviceCalls  []ServiceCall // Track all service calls for verification
	callsMu       sync.Mutex    // Protects serviceCalls
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// CalendarEvent is an all-day event held by the mock calendar store
type CalendarEvent struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error object of a failed result
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a service call
type CallServiceRequest struct {
	ID             int                    `json:"id"`
	Type           string                 `json:"type"`
	Domain         string                 `json:"domain"`
	Service        string                 `json:"service"`
	ServiceData    map[string]interface{} `json:"service_data,omitempty"`
	ReturnResponse bool                   `json:"return_response,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// NewMockHAServer creates a new mock HA server. Use "127.0.0.1:0" to pick a free port.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:          addr,
		states:        make(map[string]*EntityState),
		calendars:     make(map[string][]CalendarEvent),
		failures:      make(map[string]ErrorBody),
		connections:   make([]*connWrapper, 0),
		responseDelay: 5 * time.Millisecond,
		token:         token,
		serviceCalls:  make([]ServiceCall, 0),
	}
}

// SetResponseDelay sets the delay before each result is written
func (s *MockHAServer) SetResponseDelay(delay time.Duration) {
	s.responseDelay = delay
}

// Start starts the mock server
func (s *MockHAServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()
	return nil
}

// URL returns the websocket url clients should dial
func (s *MockHAServer) URL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.listener.Addr().String())
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState sets an entity state
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	now := time.Now()
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// AddCalendar registers a calendar entity. Calendars added with
// writable=false appear in get_states without the CREATE_EVENT feature.
func (s *MockHAServer) AddCalendar(entityID string, writable bool) {
	s.calendarsMu.Lock()
	if _, ok := s.calendars[entityID]; !ok {
		s.calendars[entityID] = nil
	}
	s.calendarsMu.Unlock()

	features := 0
	if writable {
		features = calendarFeatureCreateEvent
	}
	s.SetState(entityID, "off", map[string]interface{}{
		"supported_features": features,
	})
}

// CalendarEvents returns a copy of the events stored for a calendar
func (s *MockHAServer) CalendarEvents(entityID string) []CalendarEvent {
	s.calendarsMu.Lock()
	defer s.calendarsMu.Unlock()

	events := make([]CalendarEvent, len(s.calendars[entityID]))
	copy(events, s.calendars[entityID])
	return events
}

// FailService makes every call to domain.service return an error result
// with the given HA error code. An empty code clears the failure.
func (s *MockHAServer) FailService(domain, service, code, message string) {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()

	key := domain + "." + service
	if code == "" {
		delete(s.failures, key)
		return
	}
	s.failures[key] = ErrorBody{Code: code, Message: message}
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "get_states":
			s.handleGetStates(wrapper, msg)
		case "call_service":
			s.handleCallService(wrapper, msg)
		}
	}
}

// handleGetStates handles get_states requests
func (s *MockHAServer) handleGetStates(wrapper *connWrapper, msg json.RawMessage) {
	var req GetStatesRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	s.reply(wrapper, req.ID, statesJSON, nil)
}

// handleCallService handles service calls
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	s.failuresMu.Lock()
	failure, failing := s.failures[req.Domain+"."+req.Service]
	s.failuresMu.Unlock()
	if failing {
		s.reply(wrapper, req.ID, nil, &failure)
		return
	}

	var (
		response interface{}
		errBody  *ErrorBody
	)
	if req.Domain == "calendar" {
		switch req.Service {
		case "get_events":
			response, errBody = s.getEvents(req.ServiceData)
		case "create_event":
			errBody = s.createEvent(req.ServiceData)
		default:
			errBody = &ErrorBody{Code: "not_found", Message: fmt.Sprintf("service calendar.%s not found", req.Service)}
		}
	}
	if errBody != nil {
		s.reply(wrapper, req.ID, nil, errBody)
		return
	}

	if response != nil && !req.ReturnResponse {
		s.reply(wrapper, req.ID, nil, &ErrorBody{
			Code:    "service_validation_error",
			Message: "the service call requires responses and must be called with return_response=True",
		})
		return
	}

	result := map[string]interface{}{"context": map[string]string{"id": fmt.Sprintf("ctx-%d", req.ID)}}
	if req.ReturnResponse {
		result["response"] = response
	}
	resultJSON, _ := json.Marshal(result)
	s.reply(wrapper, req.ID, resultJSON, nil)
}

func (s *MockHAServer) reply(wrapper *connWrapper, id int, result json.RawMessage, errBody *ErrorBody) {
	if s.responseDelay > 0 {
		time.Sleep(s.responseDelay)
	}
	success := errBody == nil
	wrapper.write(Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Result:  result,
		Error:   errBody,
	})
}

func (s *MockHAServer) getEvents(data map[string]interface{}) (interface{}, *ErrorBody) {
	entityID, _ := data["entity_id"].(string)
	start, err := parseServiceTime(data["start_date_time"])
	if err != nil {
		return nil, &ErrorBody{Code: "invalid_format", Message: err.Error()}
	}
	end, err := parseServiceTime(data["end_date_time"])
	if err != nil {
		return nil, &ErrorBody{Code: "invalid_format", Message: err.Error()}
	}

	s.calendarsMu.Lock()
	stored, ok := s.calendars[entityID]
	s.calendarsMu.Unlock()
	if !ok {
		return nil, &ErrorBody{Code: "service_validation_error", Message: fmt.Sprintf("entity %s not found", entityID)}
	}

	matched := make([]CalendarEvent, 0)
	for _, event := range stored {
		eventStart, _ := time.Parse("2006-01-02", event.Start)
		eventEnd, _ := time.Parse("2006-01-02", event.End)
		if eventStart.Before(end) && eventEnd.After(start) {
			matched = append(matched, event)
		}
	}

	return map[string]interface{}{
		entityID: map[string]interface{}{"events": matched},
	}, nil
}

func (s *MockHAServer) createEvent(data map[string]interface{}) *ErrorBody {
	entityID, _ := data["entity_id"].(string)
	event := CalendarEvent{}
	event.Start, _ = data["start_date"].(string)
	event.End, _ = data["end_date"].(string)
	event.Summary, _ = data["summary"].(string)
	event.Description, _ = data["description"].(string)

	if event.Summary == "" {
		return &ErrorBody{Code: "invalid_format", Message: "required key not provided @ data['summary']"}
	}

	state := s.GetState(entityID)
	if state == nil {
		return &ErrorBody{Code: "service_validation_error", Message: fmt.Sprintf("entity %s not found", entityID)}
	}
	if features, _ := state.Attributes["supported_features"].(int); features&calendarFeatureCreateEvent == 0 {
		return &ErrorBody{Code: "home_assistant_error", Message: fmt.Sprintf("entity %s does not support this service", entityID)}
	}

	s.calendarsMu.Lock()
	defer s.calendarsMu.Unlock()
	s.calendars[entityID] = append(s.calendars[entityID], event)
	sort.SliceStable(s.calendars[entityID], func(i, j int) bool {
		return s.calendars[entityID][i].Start < s.calendars[entityID][j].Start
	})
	return nil
}

// parseServiceTime accepts the datetime formats HA accepts for get_events
func parseServiceTime(v interface{}) (time.Time, error) {
	str, _ := v.(string)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, str); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", str)
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// CountServiceCalls counts service calls matching criteria
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
