package ha

import (
	"fmt"
	"strings"
)

// Kind is the Home Assistant entity platform of a descriptor
type Kind string

// Supported entity kinds
const (
	KindSensor       Kind = "sensor"
	KindSwitch       Kind = "switch"
	KindNumber       Kind = "number"
	KindSelect       Kind = "select"
	KindButton       Kind = "button"
	KindText         Kind = "text"
	KindBinarySensor Kind = "binary_sensor"
)

// Valid reports whether k is one of the supported kinds
func (k Kind) Valid() bool {
	switch k {
	case KindSensor, KindSwitch, KindNumber, KindSelect, KindButton, KindText, KindBinarySensor:
		return true
	}
	return false
}

// DefaultExpireAfter is the staleness expiry, in seconds, attached to discovery messages
const DefaultExpireAfter = 30

// Descriptor describes one entity of a device's control surface.
// Min, Max, Step and Mode only apply to KindNumber, Options only to
// KindSelect, and the on/off labels to KindSwitch and KindBinarySensor.
type Descriptor struct {
	Kind        Kind
	Name        string
	Key         string
	Unit        string
	DeviceClass string

	Min  float64
	Max  float64
	Step float64
	Mode string

	Options []string

	PayloadOn  string
	PayloadOff string
	StateOn    string
	StateOff   string

	// Controllable adds a command topic
	Controllable bool

	// ExpireAfter in seconds, zero means the engine default
	ExpireAfter int
}

// Validate checks the kind and the value key
func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("descriptor %q: unsupported kind %q", d.Key, d.Kind)
	}
	if d.Key == "" {
		return fmt.Errorf("descriptor %q: value key is required", d.Name)
	}
	if strings.ContainsAny(d.Key, "/+# ") {
		return fmt.Errorf("descriptor %q: value key contains topic characters", d.Key)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
