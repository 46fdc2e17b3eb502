package ha

import (
	"encoding/json"
	"fmt"
)

// DeviceBlock is the device registry entry shared by all entities of a device
type DeviceBlock struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	HWVersion    string   `json:"hw_version"`
	SWVersion    string   `json:"sw_version"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// DiscoveryConfig is the retained discovery payload of one entity
type DiscoveryConfig struct {
	Name              string      `json:"name"`
	StateTopic        string      `json:"state_topic"`
	UniqueID          string      `json:"unique_id"`
	AvailabilityTopic string      `json:"availability_topic"`
	Device            DeviceBlock `json:"device"`
	ValueTemplate     string      `json:"value_template"`
	CommandTopic      string      `json:"command_topic,omitempty"`

	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Step    float64  `json:"step,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Options []string `json:"options,omitempty"`

	PayloadOn  string `json:"payload_on,omitempty"`
	PayloadOff string `json:"payload_off,omitempty"`
	StateOn    string `json:"state_on,omitempty"`
	StateOff   string `json:"state_off,omitempty"`

	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	ExpireAfter       int    `json:"expire_after"`
}

// owner is the device an entity belongs to
type owner struct {
	objectID     string
	stateTopic   string
	commandTopic func(key string) string
	device       DeviceBlock
}

// buildDiscovery renders the discovery topic and config for one descriptor
func buildDiscovery(t Topics, o owner, d Descriptor, defaultExpire int) (string, *DiscoveryConfig) {
	cfg := &DiscoveryConfig{
		Name:              d.Name,
		StateTopic:        o.stateTopic,
		UniqueID:          o.objectID + "_" + d.Key,
		AvailabilityTopic: t.Availability(),
		Device:            o.device,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", d.Key),
		UnitOfMeasurement: d.Unit,
		DeviceClass:       d.DeviceClass,
		ExpireAfter:       d.ExpireAfter,
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = defaultExpire
	}
	if d.Controllable {
		cfg.CommandTopic = o.commandTopic(d.Key)
	}

	switch d.Kind {
	case KindNumber:
		if d.Min != d.Max {
			min, max := d.Min, d.Max
			cfg.Min, cfg.Max = &min, &max
		}
		cfg.Step = d.Step
		cfg.Mode = d.Mode
	case KindSelect:
		cfg.Options = d.Options
	case KindSwitch:
		cfg.PayloadOn = orDefault(d.PayloadOn, "ON")
		cfg.PayloadOff = orDefault(d.PayloadOff, "OFF")
		cfg.StateOn = orDefault(d.StateOn, "ON")
		cfg.StateOff = orDefault(d.StateOff, "OFF")
	case KindBinarySensor:
		cfg.PayloadOn = orDefault(d.PayloadOn, "ON")
		cfg.PayloadOff = orDefault(d.PayloadOff, "OFF")
	}

	return t.Discovery(d.Kind, o.objectID, d.Key), cfg
}

func encodeDiscovery(cfg *DiscoveryConfig) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode discovery %s: %w", cfg.UniqueID, err)
	}
	return data, nil
}
