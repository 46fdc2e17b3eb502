package ota

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eddielth/ha-agent/validator"
)

// Manifest describes an available firmware image. It is parsed from each
// update command and never persisted.
type Manifest struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
	FirmwareFile    string `json:"firmware_file"`
	SHA256          string `json:"sha256"`
	ReleaseDate     string `json:"release_date"`
}

var manifestRequired = &validator.RequiredValidator{Fields: []string{
	"Manufacturer", "Model", "HardwareVersion", "FirmwareVersion",
	"FirmwareFile", "SHA256", "ReleaseDate",
}}

// ParseManifest decodes and validates an update command payload
func ParseManifest(payload []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	if err := manifestRequired.Validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	m.SHA256 = strings.ToLower(strings.TrimSpace(m.SHA256))
	if b, err := hex.DecodeString(m.SHA256); err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: sha256 must be 64 hex characters", ErrMalformedManifest)
	}

	return &m, nil
}

// Target is what the running device is: manifests must match it exactly
type Target struct {
	Manufacturer    string
	Model           string
	HardwareVersion string
	FirmwareVersion string
}

// Matches checks manufacturer, model and hardware revision
func (t Target) Matches(m *Manifest) error {
	switch {
	case m.Manufacturer != t.Manufacturer:
		return fmt.Errorf("%w: manufacturer %q, expected %q", ErrIdentityMismatch, m.Manufacturer, t.Manufacturer)
	case m.Model != t.Model:
		return fmt.Errorf("%w: model %q, expected %q", ErrIdentityMismatch, m.Model, t.Model)
	case m.HardwareVersion != t.HardwareVersion:
		return fmt.Errorf("%w: hardware version %q, expected %q", ErrIdentityMismatch, m.HardwareVersion, t.HardwareVersion)
	}
	return nil
}
