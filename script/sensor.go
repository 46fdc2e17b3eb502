// Package script implements sensors defined in JavaScript. A script defines
// discovery() returning entity descriptors, payload() returning the current
// values (or null when nothing changed) and optionally command(key, value).
package script

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/ha-agent/ha"
	"github.com/eddielth/ha-agent/logger"
)

// descriptor 是脚本 discovery() 返回的实体描述
type descriptor struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Key          string   `json:"key"`
	Unit         string   `json:"unit"`
	DeviceClass  string   `json:"device_class"`
	Min          float64  `json:"min"`
	Max          float64  `json:"max"`
	Step         float64  `json:"step"`
	Mode         string   `json:"mode"`
	Options      []string `json:"options"`
	PayloadOn    string   `json:"payload_on"`
	PayloadOff   string   `json:"payload_off"`
	StateOn      string   `json:"state_on"`
	StateOff     string   `json:"state_off"`
	Controllable bool     `json:"controllable"`
	ExpireAfter  int      `json:"expire_after"`
}

func (d descriptor) toHA() ha.Descriptor {
	return ha.Descriptor{
		Kind:         ha.Kind(d.Kind),
		Name:         d.Name,
		Key:          d.Key,
		Unit:         d.Unit,
		DeviceClass:  d.DeviceClass,
		Min:          d.Min,
		Max:          d.Max,
		Step:         d.Step,
		Mode:         d.Mode,
		Options:      d.Options,
		PayloadOn:    d.PayloadOn,
		PayloadOff:   d.PayloadOff,
		StateOn:      d.StateOn,
		StateOff:     d.StateOff,
		Controllable: d.Controllable,
		ExpireAfter:  d.ExpireAfter,
	}
}

// Sensor 表示一个由脚本实现的传感器。goja运行时不是并发安全的，所有调用都在锁内进行。
type Sensor struct {
	name string

	mu          sync.Mutex
	rt          *runtime
	descriptors []ha.Descriptor
	interval    time.Duration
	next        time.Time
	now         func() time.Time
}

func newSensor(name string, rt *runtime, interval time.Duration) (*Sensor, error) {
	s := &Sensor{name: name, interval: interval, now: time.Now}
	if err := s.swap(rt, interval); err != nil {
		return nil, err
	}
	return s, nil
}

// swap 替换运行时，并重新计算实体描述
func (s *Sensor) swap(rt *runtime, interval time.Duration) error {
	result, err := rt.discovery(goja.Undefined())
	if err != nil {
		return fmt.Errorf("discovery() failed: %w", err)
	}

	var raw []descriptor
	if !isNullish(result) {
		if err := exportJSON(result, &raw); err != nil {
			return fmt.Errorf("discovery(): %w", err)
		}
	}

	descriptors := make([]ha.Descriptor, 0, len(raw))
	for _, d := range raw {
		hd := d.toHA()
		if err := hd.Validate(); err != nil {
			return err
		}
		descriptors = append(descriptors, hd)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rt = rt
	s.descriptors = descriptors
	s.interval = interval
	s.next = time.Time{}
	return nil
}

// Name returns the configured sensor name
func (s *Sensor) Name() string {
	return s.name
}

// Descriptors implements ha.Sensor
func (s *Sensor) Descriptors() []ha.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ha.Descriptor(nil), s.descriptors...)
}

// Payload implements ha.Sensor
func (s *Sensor) Payload() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Before(s.next) {
		return nil
	}
	s.next = now.Add(s.interval)

	result, err := s.rt.payload(goja.Undefined())
	if err != nil {
		logger.Warn("script sensor %s: payload() failed: %v", s.name, err)
		return nil
	}
	if isNullish(result) {
		return nil
	}

	values, ok := result.Export().(map[string]interface{})
	if !ok {
		logger.Warn("script sensor %s: payload() must return an object", s.name)
		return nil
	}
	return values
}

// Command implements ha.Commander
func (s *Sensor) Command(key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt.command == nil {
		return fmt.Errorf("%w: sensor %s has no command()", ha.ErrUnknownControl, s.name)
	}
	if _, err := s.rt.command(goja.Undefined(), s.rt.vm.ToValue(key), s.rt.vm.ToValue(string(payload))); err != nil {
		return fmt.Errorf("script sensor %s: command(%s) failed: %w", s.name, key, err)
	}
	return nil
}
