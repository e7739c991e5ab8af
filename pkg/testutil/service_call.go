package testutil

import "time"

// ServiceCall is one call_service request seen by the mock server
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// EntityID returns the entity_id the call targeted, if any
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

// FilterServiceCalls returns the calls to domain.service in arrival order
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindServiceCallWithData finds the most recent call whose data[key] equals value
func FindServiceCallWithData(calls []ServiceCall, domain, service, dataKey string, dataValue interface{}) *ServiceCall {
	matching := FilterServiceCalls(calls, domain, service)
	for i := len(matching) - 1; i >= 0; i-- {
		if val, ok := matching[i].ServiceData[dataKey]; ok && val == dataValue {
			return &matching[i]
		}
	}
	return nil
}

// FindServiceCallWithEntityID finds the most recent call for a specific entity
func FindServiceCallWithEntityID(calls []ServiceCall, domain, service, entityID string) *ServiceCall {
	matching := FilterServiceCalls(calls, domain, service)
	for i := len(matching) - 1; i >= 0; i-- {
		if matching[i].EntityID() == entityID {
			return &matching[i]
		}
	}
	return nil
}
