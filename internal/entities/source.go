// Package entities exposes a vehicle record as a set of observable
// attribute sources: sensors, binary sensors and a calendar.
package entities

import (
	"fmt"
	"strings"

	"vehiclecheck/internal/clock"
	"vehiclecheck/internal/dvla"
)

const (
	domain = "dvla"

	// StateUnavailable is reported before the first successful refresh
	StateUnavailable = "unavailable"
	// StateUnknown is reported when the record lacks the source's field
	StateUnknown = "unknown"
)

// Source is a single observable value derived from the vehicle record
type Source interface {
	// ID is the entity id, e.g. sensor.dvla_ab12cde_make
	ID() string
	Name() string
	State() string
	Attributes() map[string]any
	Available() bool
	// Subscribe calls f after every refresh attempt until remove is called
	Subscribe(f func(Source)) (remove func())
}

// Provider supplies the record entities render from. *coordinator.Coordinator satisfies it.
type Provider interface {
	Data() dvla.Record
	Available() bool
	AddListener(f func()) (remove func())
}

// base holds what every source shares
type base struct {
	id       string
	name     string
	provider Provider
}

func (b *base) ID() string {
	return b.id
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Available() bool {
	return b.provider.Available()
}

func (b *base) subscribe(self Source, f func(Source)) func() {
	return b.provider.AddListener(func() { f(self) })
}

// recordAttributes copies the whole record into a fresh attribute map
func (b *base) recordAttributes() map[string]any {
	data := b.provider.Data()
	attrs := make(map[string]any, len(data)+3)
	for k, v := range data {
		attrs[k] = v
	}
	return attrs
}

func entityID(platform, reg, key string) string {
	if key == "" {
		return strings.ToLower(fmt.Sprintf("%s.%s_%s", platform, domain, reg))
	}
	return strings.ToLower(fmt.Sprintf("%s.%s_%s_%s", platform, domain, reg, key))
}

// Build creates the sources for a registration. Sensors and binary sensors
// are only created for keys present in the provider's current record; when
// standalone is set a calendar source is added.
func Build(reg string, provider Provider, clk clock.Clock, standalone bool) []Source {
	reg = dvla.NormalizeRegistration(reg)
	data := provider.Data()

	var sources []Source
	for _, desc := range SensorTypes {
		if data.Has(desc.Key) {
			sources = append(sources, NewSensor(reg, provider, desc))
		}
	}
	for _, desc := range BinarySensorTypes {
		if data.Has(desc.Key) {
			sources = append(sources, NewBinarySensor(reg, provider, desc))
		}
	}
	if standalone {
		sources = append(sources, NewCalendar(reg, provider, clk))
	}
	return sources
}
