package ha

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/storage"
)

// Built-in telemetry value keys
const (
	KeyUptime     = "uptime"
	KeyCPULoad    = "cpu_load"
	KeyFreeMemory = "free_memory"
)

// builtinControls are announced and subscribed for every root device
var builtinControls = []Descriptor{
	{Kind: KindButton, Name: "reboot", Key: KeyReboot, Controllable: true},
	{Kind: KindText, Name: "config", Key: KeyConfig, Controllable: true},
	{Kind: KindText, Name: "ota", Key: KeyUpdate, Controllable: true},
}

var builtinSensors = []Descriptor{
	{Kind: KindSensor, Name: "uptime", Key: KeyUptime, Unit: "s", DeviceClass: "duration"},
	{Kind: KindSensor, Name: "cpu_load", Key: KeyCPULoad, Unit: "%"},
	{Kind: KindSensor, Name: "free_memory", Key: KeyFreeMemory, Unit: "bytes"},
}

func (e *Engine) rootOwner() owner {
	id := e.opts.Identity
	return owner{
		objectID:     id.EquipmentID,
		stateTopic:   e.topics.State(),
		commandTopic: e.topics.Command,
		device: DeviceBlock{
			Identifiers:  []string{id.EquipmentID},
			Name:         id.Model + " " + id.EquipmentID,
			Model:        id.Model,
			Manufacturer: id.Manufacturer,
			HWVersion:    id.HardwareRevision,
			SWVersion:    id.Software.Tag,
		},
	}
}

func (e *Engine) subDeviceOwner(info SubDeviceInfo) owner {
	return owner{
		objectID:   info.ID,
		stateTopic: e.topics.SubDeviceState(info.ID),
		commandTopic: func(key string) string {
			return e.topics.SubDeviceCommand(info.ID, key)
		},
		device: DeviceBlock{
			Identifiers:  []string{info.ID},
			Name:         info.Name,
			Model:        info.Model,
			Manufacturer: e.opts.Identity.Manufacturer,
			HWVersion:    info.HardwareVersion,
			SWVersion:    info.SoftwareTag,
			ViaDevice:    e.opts.Identity.EquipmentID,
		},
	}
}

func (e *Engine) publishDescriptor(o owner, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	topic, cfg := buildDiscovery(e.topics, o, d, e.opts.ExpireAfter)
	data, err := encodeDiscovery(cfg)
	if err != nil {
		return err
	}
	if err := e.transport.Publish(topic, data, true); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	keys := e.announced[o.objectID]
	if keys == nil {
		keys = make(map[string]bool)
		e.announced[o.objectID] = keys
	}
	keys[d.Key] = true
	logger.Debug("published discovery %s", topic)
	return nil
}

// announcedOnly drops values whose key has no published discovery for objectID.
// Must be called with pubMu held.
func (e *Engine) announcedOnly(objectID string, values map[string]interface{}) {
	keys := e.announced[objectID]
	for k := range values {
		if !keys[k] {
			logger.Debug("dropping unannounced value %s of %s", k, objectID)
			delete(values, k)
		}
	}
}

// publishDiscoveryAll must be called with pubMu held
func (e *Engine) publishDiscoveryAll() error {
	var errs []error
	root := e.rootOwner()

	for _, d := range builtinControls {
		errs = append(errs, e.publishDescriptor(root, d))
	}
	for _, d := range builtinSensors {
		errs = append(errs, e.publishDescriptor(root, d))
	}
	for _, s := range e.registry.Sensors() {
		for _, d := range s.Descriptors() {
			errs = append(errs, e.publishDescriptor(root, d))
		}
	}
	for _, d := range e.registry.SubDevices() {
		errs = append(errs, e.publishSubDeviceDiscovery(d))
	}
	return errors.Join(errs...)
}

func (e *Engine) publishSubDeviceDiscovery(d *SubDevice) error {
	var errs []error
	o := e.subDeviceOwner(d.Info())
	for _, s := range d.Sensors() {
		for _, desc := range s.Descriptors() {
			errs = append(errs, e.publishDescriptor(o, desc))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) subscribe(topic string) error {
	if err := e.transport.Subscribe(topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// subscribeControlTopics must be called with pubMu held
func (e *Engine) subscribeControlTopics() error {
	var errs []error
	for _, d := range builtinControls {
		errs = append(errs, e.subscribe(e.topics.Command(d.Key)))
	}
	for _, s := range e.registry.Sensors() {
		for _, key := range controllableKeys(s) {
			errs = append(errs, e.subscribe(e.topics.Command(key)))
		}
	}
	for _, d := range e.registry.SubDevices() {
		errs = append(errs, e.subscribeSubDevice(d))
	}
	return errors.Join(errs...)
}

func (e *Engine) subscribeSubDevice(d *SubDevice) error {
	id := d.ID()
	errs := []error{e.subscribe(e.topics.SubDeviceUpdate(id))}
	for _, s := range d.Sensors() {
		for _, key := range controllableKeys(s) {
			errs = append(errs, e.subscribe(e.topics.SubDeviceCommand(id, key)))
		}
	}
	return errors.Join(errs...)
}

// builtinValues reads the built-in telemetry, skipping values that fail
func (e *Engine) builtinValues(values map[string]interface{}) {
	if e.opts.Stats == nil {
		return
	}
	if up, err := e.opts.Stats.Uptime(); err == nil {
		values[KeyUptime] = int64(up.Seconds())
	} else {
		logger.Debug("uptime unavailable: %v", err)
	}
	if load, err := e.opts.Stats.CPULoad(); err == nil {
		values[KeyCPULoad] = math.Round(load*10) / 10
	} else {
		logger.Debug("cpu load unavailable: %v", err)
	}
	if free, err := e.opts.Stats.FreeMemory(); err == nil {
		values[KeyFreeMemory] = free
	} else {
		logger.Debug("free memory unavailable: %v", err)
	}
}

// PublishState publishes the merged root state and one state object per
// sub-device. Only keys with published discovery are included, and empty
// objects are never published. Built-in telemetry is included at most once
// per BuiltinInterval. Archiving happens off the publish path.
func (e *Engine) PublishState() error {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if !e.ready.Load() {
		return ErrNotConnected
	}

	var errs []error
	now := e.now()

	root := make(map[string]interface{})
	if !now.Before(e.nextBuiltin) {
		e.nextBuiltin = now.Add(e.opts.BuiltinInterval)
		e.builtinValues(root)
	}
	for _, s := range e.registry.Sensors() {
		mergePayload(root, s.Payload())
	}
	e.announcedOnly(e.topics.EquipmentID, root)
	errs = append(errs, e.publishState(e.topics.State(), "root", root))

	for _, d := range e.registry.SubDevices() {
		values := make(map[string]interface{})
		for _, s := range d.Sensors() {
			mergePayload(values, s.Payload())
		}
		e.announcedOnly(d.ID(), values)
		errs = append(errs, e.publishState(e.topics.SubDeviceState(d.ID()), d.ID(), values))
	}
	return errors.Join(errs...)
}

func (e *Engine) publishState(topic, source string, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", topic, err)
	}
	if err := e.transport.Publish(topic, data, false); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	e.enqueueArchive(storage.Snapshot{
		DeviceID:  e.opts.Identity.EquipmentID,
		Source:    source,
		Timestamp: e.now().UnixMilli(),
		Values:    values,
	})
	return nil
}
