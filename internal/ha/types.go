package ha

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// SupportedFeatures returns the supported_features bitmask of the entity, or 0.
func (s *State) SupportedFeatures() int {
	if s == nil || s.Attributes == nil {
		return 0
	}
	switch v := s.Attributes["supported_features"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID             int                    `json:"id"`
	Type           string                 `json:"type"`
	Domain         string                 `json:"domain"`
	Service        string                 `json:"service"`
	ServiceData    map[string]interface{} `json:"service_data,omitempty"`
	ReturnResponse bool                   `json:"return_response,omitempty"`
}

// CallServiceResult is the result payload of a call_service request.
// Response is only populated when the request asked for return_response.
type CallServiceResult struct {
	Response json.RawMessage `json:"response,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// ServiceError is returned when Home Assistant rejects a request.
// Code carries the HA error code, e.g. "service_validation_error".
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("HA error: %s - %s", e.Code, e.Message)
}
