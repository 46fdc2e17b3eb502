package ha

import "errors"

var (
	// ErrSubDeviceNotFound is returned when no sub-device has the requested id
	ErrSubDeviceNotFound = errors.New("ha: sub-device not found")

	// ErrNotConnected is returned while publishing is suspended
	ErrNotConnected = errors.New("ha: not connected")

	// ErrUnknownControl is returned for command topics nothing handles
	ErrUnknownControl = errors.New("ha: unknown control topic")
)
