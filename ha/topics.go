package ha

import (
	"fmt"
	"strings"
)

const (
	// DiscoveryPrefix is the Home Assistant discovery namespace
	DiscoveryPrefix = "homeassistant"

	// DefaultRoot is the product namespace for device topics
	DefaultRoot = "huzza32"
)

// Built-in control keys
const (
	KeyUpdate = "ota_string"
	KeyConfig = "config_string"
	KeyReboot = "reboot_button"

	// SubDeviceUpdateKey is the per-sub-device update command key
	SubDeviceUpdateKey = "ota"
)

// Availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds the topics of one device:
//
//	topics := ha.Topics{Root: "huzza32", EquipmentID: eid}
//	topics.State()            // huzza32/<eid>/state
//	topics.Command("reboot_button") // huzza32/<eid>/reboot_button/set
type Topics struct {
	Root        string
	EquipmentID string
}

func (t Topics) base() string {
	return t.Root + "/" + t.EquipmentID
}

// Discovery returns homeassistant/<kind>/<objectID>_<key>/config
func (t Topics) Discovery(kind Kind, objectID, key string) string {
	return fmt.Sprintf("%s/%s/%s_%s/config", DiscoveryPrefix, kind, objectID, key)
}

// State returns <root>/<eid>/state
func (t Topics) State() string {
	return t.base() + "/state"
}

// SubDeviceState returns <root>/<eid>/<sub>/state
func (t Topics) SubDeviceState(sub string) string {
	return fmt.Sprintf("%s/%s/state", t.base(), sub)
}

// Command returns <root>/<eid>/<key>/set
func (t Topics) Command(key string) string {
	return fmt.Sprintf("%s/%s/set", t.base(), key)
}

// SubDeviceCommand returns <root>/<eid>/<sub>/<key>/set
func (t Topics) SubDeviceCommand(sub, key string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.base(), sub, key)
}

// SubDeviceUpdate returns <root>/<eid>/<sub>/ota/set
func (t Topics) SubDeviceUpdate(sub string) string {
	return t.SubDeviceCommand(sub, SubDeviceUpdateKey)
}

// Logs returns <root>/<eid>/logs
func (t Topics) Logs() string {
	return t.base() + "/logs"
}

// Availability returns <root>/<eid>/availability
func (t Topics) Availability() string {
	return t.base() + "/availability"
}

// ParseControl splits a command topic into an optional sub-device id and a
// value key. ok is false for topics outside this device's command space.
func (t Topics) ParseControl(topic string) (sub, key string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.base()+"/")
	if !found {
		return "", "", false
	}
	rest, found = strings.CutSuffix(rest, "/set")
	if !found {
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], true
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], true
	}
	return "", "", false
}
