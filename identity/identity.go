// Package identity holds the device's stable identity: manufacturer, model,
// hardware revision and a generated equipment id that survives restarts.
// The software revision is recomputed from the running image at every boot
// and is never persisted.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/storage"
	"github.com/eddielth/ha-agent/validator"
)

// Field limits, in bytes.
const (
	MaxManufacturerLength = 15
	MaxModelLength        = 19
	MaxHardwareLength     = 15
	EquipmentIDLength     = 36
)

// RecordKey is the persisted record holding the identity
const RecordKey = "device"

// Revision identifies the running firmware: a build tag plus the image hash
type Revision struct {
	Tag  string
	Hash string
}

// String returns the tag, followed by a short hash when known
func (r Revision) String() string {
	if len(r.Hash) >= 12 {
		return r.Tag + "+" + r.Hash[:12]
	}
	return r.Tag
}

// Identity is the device's stable identity
type Identity struct {
	Manufacturer     string
	Model            string
	HardwareRevision string
	EquipmentID      string
	Software         Revision
}

// persisted is the on-disk record. EquipmentIDLegacy accepts records
// written with the older key name.
type persisted struct {
	Manufacturer      string `json:"manufacturer"`
	Model             string `json:"model"`
	EquipmentID       string `json:"eid,omitempty"`
	EquipmentIDLegacy string `json:"equipment_id,omitempty"`
	HardwareRevision  string `json:"hardware_revision"`
}

var boundedFields = []validator.Validator{
	&validator.LengthValidator{Field: "Manufacturer", Max: MaxManufacturerLength},
	&validator.LengthValidator{Field: "Model", Max: MaxModelLength},
	&validator.LengthValidator{Field: "HardwareRevision", Max: MaxHardwareLength},
	&validator.RequiredValidator{Fields: []string{"Manufacturer", "Model", "HardwareRevision"}},
}

// Validate checks the bounded fields; oversized values are rejected
func (id *Identity) Validate() error {
	if err := validator.All(id, boundedFields...); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if !ValidEquipmentID(id.EquipmentID) {
		return fmt.Errorf("identity: invalid equipment id %q", id.EquipmentID)
	}
	return nil
}

// ValidEquipmentID reports whether s is a canonical 36-character UUID
func ValidEquipmentID(s string) bool {
	if len(s) != EquipmentIDLength {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NewEquipmentID returns a random RFC 4122 version 4 UUID string
func NewEquipmentID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate equipment id: %w", err)
	}
	return id.String(), nil
}

// Load reads the persisted identity, keeping the stored equipment id when one
// can be recovered and generating a new one otherwise. The record is written
// back only when a persisted field changed.
func Load(store storage.RecordStore, manufacturer, model, hardware string, rev Revision) (*Identity, error) {
	id := &Identity{
		Manufacturer:     manufacturer,
		Model:            model,
		HardwareRevision: hardware,
		Software:         rev,
	}
	if err := validator.All(id, boundedFields...); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	var rec persisted
	err := store.Load(RecordKey, &rec)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrRecordNotFound):
		logger.Info("no identity record found")
	default:
		// unreadable record: the id cannot be recovered
		logger.Warn("identity record unreadable: %v", err)
		rec = persisted{}
	}

	switch {
	case ValidEquipmentID(rec.EquipmentID):
		id.EquipmentID = rec.EquipmentID
	case ValidEquipmentID(rec.EquipmentIDLegacy):
		id.EquipmentID = rec.EquipmentIDLegacy
	default:
		eid, err := NewEquipmentID()
		if err != nil {
			return nil, err
		}
		id.EquipmentID = eid
		logger.Info("generated new equipment id %s", eid)
	}

	next := persisted{
		Manufacturer:     id.Manufacturer,
		Model:            id.Model,
		EquipmentID:      id.EquipmentID,
		HardwareRevision: id.HardwareRevision,
	}
	if next != rec {
		if err := store.Save(RecordKey, next); err != nil {
			return nil, fmt.Errorf("identity: persist record: %w", err)
		}
		logger.Info("identity record written for %s", id.EquipmentID)
	} else {
		logger.Info("identity loaded: eid=%s hw=%s", id.EquipmentID, id.HardwareRevision)
	}

	return id, nil
}

// ComputeRevision hashes the firmware image at path (typically the running
// executable) and pairs it with the build tag.
func ComputeRevision(tag, path string) (Revision, error) {
	f, err := os.Open(path)
	if err != nil {
		return Revision{Tag: tag}, fmt.Errorf("open firmware image: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Revision{Tag: tag}, fmt.Errorf("hash firmware image: %w", err)
	}
	return Revision{Tag: tag, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// RunningRevision hashes the current executable
func RunningRevision(tag string) (Revision, error) {
	exe, err := os.Executable()
	if err != nil {
		return Revision{Tag: tag}, fmt.Errorf("locate running image: %w", err)
	}
	return ComputeRevision(tag, exe)
}
