package ha

import (
	"fmt"
	"sync"
)

// Registry holds the root device's sensors and its sub-devices, in
// registration order.
type Registry struct {
	mu         sync.RWMutex
	sensors    []Sensor
	subdevices []*SubDevice
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// AddSensor appends a root sensor. Value keys are not checked for uniqueness.
func (r *Registry) AddSensor(s Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors = append(r.sensors, s)
}

// Sensors returns the root sensors
func (r *Registry) Sensors() []Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Sensor(nil), r.sensors...)
}

// AddSubDevice appends a sub-device without duplicate detection
func (r *Registry) AddSubDevice(d *SubDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subdevices = append(r.subdevices, d)
}

// SubDevices returns the sub-devices
func (r *Registry) SubDevices() []*SubDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*SubDevice(nil), r.subdevices...)
}

// FindSubDevice returns the first sub-device with the given id
func (r *Registry) FindSubDevice(id string) (*SubDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.subdevices {
		if d.ID() == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSubDeviceNotFound, id)
}
