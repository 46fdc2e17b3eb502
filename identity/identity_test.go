package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ha-agent/storage"
	"github.com/eddielth/ha-agent/validator"
)

func TestLoad_GeneratesAndPersists(t *testing.T) {
	store := storage.NewMemoryRecordStore()

	id, err := Load(store, "csi", "sensorhub", "rev2", Revision{Tag: "1.0.0"})
	require.NoError(t, err)

	parsed, err := uuid.Parse(id.EquipmentID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.Equal(t, uuid.RFC4122, parsed.Variant())
	assert.Equal(t, 1, store.Saves)
	assert.Equal(t, "1.0.0", id.Software.Tag)
	require.NoError(t, id.Validate())

	again, err := Load(store, "csi", "sensorhub", "rev2", Revision{Tag: "1.0.1"})
	require.NoError(t, err)
	assert.Equal(t, id.EquipmentID, again.EquipmentID)
	assert.Equal(t, 1, store.Saves, "unchanged record must not be rewritten")
	assert.Equal(t, "1.0.1", again.Software.Tag)
}

func TestLoad_PersistsOnlyOnChange(t *testing.T) {
	store := storage.NewMemoryRecordStore()
	first, err := Load(store, "csi", "sensorhub", "rev2", Revision{})
	require.NoError(t, err)

	second, err := Load(store, "csi", "sensorhub", "rev3", Revision{})
	require.NoError(t, err)
	assert.Equal(t, first.EquipmentID, second.EquipmentID)
	assert.Equal(t, 2, store.Saves)
}

func TestLoad_LegacyKey(t *testing.T) {
	store := storage.NewMemoryRecordStore()
	legacy := "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
	store.Raw(RecordKey, []byte(`{"manufacturer":"csi","model":"sensorhub","equipment_id":"`+legacy+`","hardware_revision":"rev2"}`))

	id, err := Load(store, "csi", "sensorhub", "rev2", Revision{})
	require.NoError(t, err)
	assert.Equal(t, legacy, id.EquipmentID)
	assert.Equal(t, 1, store.Saves, "record migrated to the current key")
}

func TestLoad_UnrecoverableIDRegenerates(t *testing.T) {
	store := storage.NewMemoryRecordStore()
	store.Raw(RecordKey, []byte(`{"eid":"not-a-uuid"}`))

	id, err := Load(store, "csi", "sensorhub", "rev2", Revision{})
	require.NoError(t, err)
	assert.True(t, ValidEquipmentID(id.EquipmentID))
	assert.NotEqual(t, "not-a-uuid", id.EquipmentID)
}

func TestLoad_CorruptRecordRegenerates(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileRecordStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecordKey+".json"), []byte("{garbage"), 0644))

	id, err := Load(store, "csi", "sensorhub", "rev2", Revision{})
	require.NoError(t, err)
	assert.True(t, ValidEquipmentID(id.EquipmentID))
}

func TestLoad_RejectsOversizedFields(t *testing.T) {
	store := storage.NewMemoryRecordStore()

	_, err := Load(store, strings.Repeat("m", MaxManufacturerLength+1), "sensorhub", "rev2", Revision{})
	assert.ErrorIs(t, err, validator.ErrFieldTooLong)

	_, err = Load(store, "csi", strings.Repeat("m", MaxModelLength+1), "rev2", Revision{})
	assert.ErrorIs(t, err, validator.ErrFieldTooLong)

	_, err = Load(store, "csi", "sensorhub", "", Revision{})
	assert.ErrorIs(t, err, validator.ErrFieldRequired)

	assert.Equal(t, 0, store.Saves)
}

func TestComputeRevision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	content := []byte("firmware image bytes")
	require.NoError(t, os.WriteFile(path, content, 0644))

	rev, err := ComputeRevision("1.2.3", path)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), rev.Hash)
	assert.Equal(t, "1.2.3+"+rev.Hash[:12], rev.String())

	_, err = ComputeRevision("1.2.3", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Equal(t, "1.2.3", Revision{Tag: "1.2.3"}.String())
}
