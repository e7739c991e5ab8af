package entities

import (
	"fmt"
	"strings"
)

// BinarySensor exposes a record field as on/off
type BinarySensor struct {
	base
	desc BinarySensorDescription
}

// NewBinarySensor creates a binary sensor for desc.Key
func NewBinarySensor(reg string, provider Provider, desc BinarySensorDescription) *BinarySensor {
	return &BinarySensor{
		base: base{
			id:       entityID("binary_sensor", reg, desc.Key),
			name:     fmt.Sprintf("%s %s", reg, desc.Name),
			provider: provider,
		},
		desc: desc,
	}
}

// IsOn compares the field with OnValue case-insensitively, or tests it for
// truthiness when no OnValue is set.
func (b *BinarySensor) IsOn() bool {
	value, ok := b.provider.Data()[b.desc.Key]
	if !ok || value == nil {
		return false
	}

	if b.desc.OnValue != "" {
		s, isString := value.(string)
		return isString && strings.EqualFold(s, b.desc.OnValue)
	}

	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	default:
		return true
	}
}

func (b *BinarySensor) State() string {
	if !b.Available() {
		return StateUnavailable
	}
	if b.IsOn() {
		return "on"
	}
	return "off"
}

func (b *BinarySensor) Attributes() map[string]any {
	attrs := b.recordAttributes()
	attrs["friendly_name"] = b.name
	if b.desc.Icon != "" {
		attrs["icon"] = b.desc.Icon
	}
	return attrs
}

func (b *BinarySensor) Subscribe(f func(Source)) func() {
	return b.subscribe(b, f)
}
