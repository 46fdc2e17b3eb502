package ha

import (
	"fmt"
	"sync"

	"github.com/eddielth/ha-agent/validator"
)

// Sub-device field limits, in bytes
const (
	MaxSubDeviceIDLength   = 36
	MaxSubDeviceNameLength = 31
	MaxSubDeviceModel      = 19
	MaxVersionLength       = 31
)

// SubDeviceInfo identifies a sub-device
type SubDeviceInfo struct {
	ID              string
	Name            string
	Model           string
	HardwareVersion string
	SoftwareTag     string
	Hash            string
}

var subDeviceFields = []validator.Validator{
	&validator.RequiredValidator{Fields: []string{"ID", "Name"}},
	&validator.LengthValidator{Field: "ID", Max: MaxSubDeviceIDLength},
	&validator.LengthValidator{Field: "Name", Max: MaxSubDeviceNameLength},
	&validator.LengthValidator{Field: "Model", Max: MaxSubDeviceModel},
	&validator.LengthValidator{Field: "HardwareVersion", Max: MaxVersionLength},
	&validator.LengthValidator{Field: "SoftwareTag", Max: MaxVersionLength},
}

// Validate rejects missing or oversized fields
func (i *SubDeviceInfo) Validate() error {
	if err := validator.All(i, subDeviceFields...); err != nil {
		return fmt.Errorf("sub-device %q: %w", i.ID, err)
	}
	return nil
}

// SubDevice is a child device with its own sensors
type SubDevice struct {
	mu      sync.RWMutex
	info    SubDeviceInfo
	sensors []Sensor
}

// NewSubDevice validates info and bundles it with sensors
func NewSubDevice(info SubDeviceInfo, sensors ...Sensor) (*SubDevice, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &SubDevice{info: info, sensors: sensors}, nil
}

// ID returns the sub-device id
func (d *SubDevice) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.ID
}

// Info returns a copy of the identity
func (d *SubDevice) Info() SubDeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// Sensors returns the owned sensors
func (d *SubDevice) Sensors() []Sensor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Sensor(nil), d.sensors...)
}

// SetVersion replaces the software tag and hash
func (d *SubDevice) SetVersion(tag, hash string) error {
	v := &validator.LengthValidator{Field: "SoftwareTag", Max: MaxVersionLength}
	if err := v.Validate(&SubDeviceInfo{SoftwareTag: tag}); err != nil {
		return fmt.Errorf("sub-device %q: %w", d.ID(), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.SoftwareTag = tag
	d.info.Hash = hash
	return nil
}

// SubDeviceUpdater installs firmware on sub-devices it recognizes
type SubDeviceUpdater interface {
	CanHandle(info SubDeviceInfo) bool
	HandleUpdate(info SubDeviceInfo, payload []byte) error
}
