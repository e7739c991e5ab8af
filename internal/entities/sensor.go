package entities

import (
	"fmt"
	"strings"

	"vehiclecheck/internal/dvla"
)

// Sensor exposes one record field as its state
type Sensor struct {
	base
	desc SensorDescription
}

// NewSensor creates a sensor for desc.Key
func NewSensor(reg string, provider Provider, desc SensorDescription) *Sensor {
	return &Sensor{
		base: base{
			id:       entityID("sensor", reg, desc.Key),
			name:     fmt.Sprintf("%s %s", reg, desc.Name),
			provider: provider,
		},
		desc: desc,
	}
}

// Description returns the sensor's description
func (s *Sensor) Description() SensorDescription {
	return s.desc
}

func (s *Sensor) State() string {
	if !s.Available() {
		return StateUnavailable
	}
	data := s.provider.Data()

	if s.desc.DeviceClass == DeviceClassDate {
		date, ok, err := data.Date(s.desc.Key)
		if err != nil || !ok {
			return StateUnknown
		}
		return date.Format(dvla.DateLayout)
	}

	value, ok := data.String(s.desc.Key)
	if !ok || strings.TrimSpace(value) == "" {
		return StateUnknown
	}
	return value
}

func (s *Sensor) Attributes() map[string]any {
	attrs := s.recordAttributes()
	attrs["friendly_name"] = s.name
	if s.desc.Icon != "" {
		attrs["icon"] = s.desc.Icon
	}
	if s.desc.DeviceClass != "" {
		attrs["device_class"] = s.desc.DeviceClass
	}
	if s.desc.Unit != "" {
		attrs["unit_of_measurement"] = s.desc.Unit
	}
	return attrs
}

func (s *Sensor) Subscribe(f func(Source)) func() {
	return s.subscribe(s, f)
}
