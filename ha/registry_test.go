package ha

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ha-agent/validator"
)

func TestTopics(t *testing.T) {
	topics := Topics{Root: "huzza32", EquipmentID: "eid"}

	assert.Equal(t, "huzza32/eid/state", topics.State())
	assert.Equal(t, "huzza32/eid/s1/state", topics.SubDeviceState("s1"))
	assert.Equal(t, "huzza32/eid/reboot_button/set", topics.Command(KeyReboot))
	assert.Equal(t, "huzza32/eid/s1/ota/set", topics.SubDeviceUpdate("s1"))
	assert.Equal(t, "huzza32/eid/logs", topics.Logs())
	assert.Equal(t, "huzza32/eid/availability", topics.Availability())
	assert.Equal(t, "homeassistant/number/s1_level/config", topics.Discovery(KindNumber, "s1", "level"))
}

func TestTopics_ParseControl(t *testing.T) {
	topics := Topics{Root: "huzza32", EquipmentID: "eid"}

	tests := []struct {
		topic   string
		sub     string
		key     string
		matched bool
	}{
		{"huzza32/eid/ota_string/set", "", "ota_string", true},
		{"huzza32/eid/s1/ota/set", "s1", "ota", true},
		{"huzza32/eid/s1/level/set", "s1", "level", true},
		{"huzza32/eid/state", "", "", false},
		{"huzza32/eid//set", "", "", false},
		{"huzza32/eid/a/b/c/set", "", "", false},
		{"huzza32/other/ota_string/set", "", "", false},
		{"homeassistant/button/eid_reboot_button/config", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			sub, key, ok := topics.ParseControl(tt.topic)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.sub, sub)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestDescriptor_Validate(t *testing.T) {
	assert.NoError(t, Descriptor{Kind: KindText, Key: "note"}.Validate())
	assert.Error(t, Descriptor{Kind: "light", Key: "x"}.Validate())
	assert.Error(t, Descriptor{Kind: KindSensor}.Validate())
	assert.Error(t, Descriptor{Kind: KindSensor, Key: "a/b"}.Validate())
}

func TestFuncSensor_Interval(t *testing.T) {
	reads := 0
	s := NewFuncSensor(10*time.Second, func() (map[string]interface{}, error) {
		reads++
		return map[string]interface{}{"n": reads}, nil
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.Equal(t, map[string]interface{}{"n": 1}, s.Payload())
	now = now.Add(time.Second)
	assert.Nil(t, s.Payload())
	now = now.Add(9 * time.Second)
	assert.Equal(t, map[string]interface{}{"n": 2}, s.Payload())
}

func TestFuncSensor_ReadError(t *testing.T) {
	s := NewFuncSensor(0, func() (map[string]interface{}, error) { return nil, errors.New("i2c timeout") })
	assert.Nil(t, s.Payload())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.AddSensor(NewFuncSensor(0, nil))
	r.AddSensor(NewFuncSensor(0, nil))
	assert.Len(t, r.Sensors(), 2)

	_, err := r.FindSubDevice("s1")
	assert.ErrorIs(t, err, ErrSubDeviceNotFound)

	d, err := NewSubDevice(SubDeviceInfo{ID: "s1", Name: "probe"})
	require.NoError(t, err)
	r.AddSubDevice(d)

	found, err := r.FindSubDevice("s1")
	require.NoError(t, err)
	assert.Same(t, d, found)
}

func TestSubDevice_SetVersion(t *testing.T) {
	d, err := NewSubDevice(SubDeviceInfo{ID: "s1", Name: "probe", SoftwareTag: "1.0"})
	require.NoError(t, err)

	require.NoError(t, d.SetVersion("1.1", "cafe"))
	assert.Equal(t, "1.1", d.Info().SoftwareTag)
	assert.Equal(t, "cafe", d.Info().Hash)

	err = d.SetVersion(string(make([]byte, MaxVersionLength+1)), "")
	assert.ErrorIs(t, err, validator.ErrFieldTooLong)
	assert.Equal(t, "1.1", d.Info().SoftwareTag)

	_, err = NewSubDevice(SubDeviceInfo{ID: string(make([]byte, MaxSubDeviceIDLength+1)), Name: "x"})
	assert.ErrorIs(t, err, validator.ErrFieldTooLong)
}
