package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/ha"
	"github.com/eddielth/ha-agent/ota"
	"github.com/eddielth/ha-agent/script"
	"github.com/eddielth/ha-agent/storage"
)

const probeScript = `
function discovery() {
	return [{kind: "sensor", name: "depth", key: "depth", unit: "cm"}];
}

function payload() {
	return {depth: 12};
}
`

func TestBuildTag(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = ""
	assert.Equal(t, "dev", buildTag(""))
	assert.Equal(t, "1.2.0", buildTag("1.2.0"))

	Version = "1.3.0"
	assert.Equal(t, "1.3.0", buildTag("1.2.0"))
}

func TestSubDeviceSensors(t *testing.T) {
	configs := map[string]config.ScriptSensor{
		"depth_a": {ScriptCode: probeScript, SubDevice: "s1"},
		"depth_b": {ScriptCode: probeScript, SubDevice: "s2"},
		"root":    {ScriptCode: probeScript},
	}
	scripts, err := script.NewManager(configs)
	require.NoError(t, err)

	assert.Len(t, subDeviceSensors(scripts, configs, "s1"), 1)
	assert.Len(t, subDeviceSensors(scripts, configs, "s2"), 1)
	assert.Empty(t, subDeviceSensors(scripts, configs, "s3"))

	models := subDeviceModels([]config.SubDeviceConfig{{ID: "s1", Model: "p1"}, {ID: "s2"}})
	assert.Equal(t, []string{"p1"}, models)
}

func TestSaveConfigText(t *testing.T) {
	store := storage.NewMemoryRecordStore()
	saveConfigText(store)([]byte(`{"interval":5}`))

	var rec configRecord
	require.NoError(t, store.Load(configRecordKey, &rec))
	assert.Equal(t, `{"interval":5}`, rec.Payload)
	assert.False(t, rec.Received.IsZero())
}

func TestRecordStaged(t *testing.T) {
	store := storage.NewMemoryRecordStore()
	m := &ota.Manifest{FirmwareVersion: "0.4", SHA256: strings.Repeat("a", 64)}
	recordStaged(store)(ha.SubDeviceInfo{ID: "s1", Model: "p1"}, m, "/data/partition/subdevices/s1.img")

	var rec stagedRecord
	require.NoError(t, store.Load(stagedRecordKey("s1"), &rec))
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, "0.4", rec.FirmwareVersion)
	assert.Equal(t, m.SHA256, rec.SHA256)
	assert.Equal(t, "/data/partition/subdevices/s1.img", rec.Path)
	assert.False(t, rec.Staged.IsZero())
}

func TestBuildArchive_NoneEnabled(t *testing.T) {
	archive, err := buildArchive(config.StorageConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, archive.Len())
}

func TestBuildArchive_File(t *testing.T) {
	archive, err := buildArchive(config.StorageConfig{
		File: config.FileStorageConfig{Enabled: true, Path: t.TempDir()},
	})
	require.NoError(t, err)
	defer archive.Close()
	assert.Equal(t, 1, archive.Len())
}
