package ha

import (
	"sync"
	"time"

	"github.com/eddielth/ha-agent/logger"
)

// Sensor is a source of entities and their current values.
// Payload returns nil or an empty map when there is nothing new to publish.
type Sensor interface {
	Descriptors() []Descriptor
	Payload() map[string]interface{}
}

// Commander is implemented by sensors that accept commands for their
// controllable value keys.
type Commander interface {
	Command(key string, payload []byte) error
}

// ReadFunc produces a sensor's current values
type ReadFunc func() (map[string]interface{}, error)

// FuncSensor adapts a read function into a Sensor that reports at most once
// per interval.
type FuncSensor struct {
	descriptors []Descriptor
	read        ReadFunc
	interval    time.Duration

	mu   sync.Mutex
	next time.Time
	now  func() time.Time
}

// NewFuncSensor creates a sensor. A zero interval reads on every call.
func NewFuncSensor(interval time.Duration, read ReadFunc, descriptors ...Descriptor) *FuncSensor {
	return &FuncSensor{
		descriptors: descriptors,
		read:        read,
		interval:    interval,
		now:         time.Now,
	}
}

// Descriptors implements Sensor
func (s *FuncSensor) Descriptors() []Descriptor {
	return s.descriptors
}

// Payload implements Sensor
func (s *FuncSensor) Payload() map[string]interface{} {
	s.mu.Lock()
	now := s.now()
	if now.Before(s.next) {
		s.mu.Unlock()
		return nil
	}
	s.next = now.Add(s.interval)
	s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		logger.Warn("sensor read failed: %v", err)
		return nil
	}
	return values
}

// CommandFunc handles a command for one value key
type CommandFunc func(payload []byte) error

// ControlSensor is a FuncSensor with per-key command handlers
type ControlSensor struct {
	*FuncSensor
	handlers map[string]CommandFunc
}

// NewControlSensor wraps s; handlers are keyed by value key
func NewControlSensor(s *FuncSensor, handlers map[string]CommandFunc) *ControlSensor {
	return &ControlSensor{FuncSensor: s, handlers: handlers}
}

// Command implements Commander
func (c *ControlSensor) Command(key string, payload []byte) error {
	h, ok := c.handlers[key]
	if !ok {
		return ErrUnknownControl
	}
	return h(payload)
}

// controllableKeys lists the value keys with a command topic
func controllableKeys(s Sensor) []string {
	var keys []string
	for _, d := range s.Descriptors() {
		if d.Controllable {
			keys = append(keys, d.Key)
		}
	}
	return keys
}

// mergePayload copies values into dst; later keys overwrite earlier ones
func mergePayload(dst map[string]interface{}, values map[string]interface{}) {
	for k, v := range values {
		dst[k] = v
	}
}
